// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/sdkfleet/ghtoken/internal/api"
)

var (
	_ jwtMinter      = (*jwtRS256)(nil)
	_ slog.LogValuer = (*JWT)(nil)
)

// Clock skew buffer and lifetime for app JWTs. GitHub rejects JWTs with
// exp more than 10 minutes past iat, so the lifetime includes the backdate.
const (
	jwtClockSkew = time.Minute
	jwtLifetime  = 10 * time.Minute
)

// JWT is the signed app JWT used to authenticate as the GitHub App itself.
// It is exchanged exactly once for an installation access token and then
// discarded.
type JWT struct {
	// Signed compact JWS.
	Token string `json:"token" yaml:"token"`

	// GitHub app ID.
	AppID uint64 `json:"app_id,omitempty" yaml:"appID,omitempty"`

	// GitHub app name.
	AppName string `json:"app_name,omitempty" yaml:"appName,omitempty"`

	// Token exp time.
	Exp time.Time `json:"exp,omitempty" yaml:"exp,omitempty"`

	// Token issue time. Backdated by a small clock skew buffer.
	IssuedAt time.Time `json:"iat,omitempty" yaml:"iat,omitempty"`
}

// LogValue implements [log/slog.LogValuer]. The token itself is never logged.
func (t JWT) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("app_id", t.AppID),
		slog.String("app_name", t.AppName),
		slog.Time("exp", t.Exp),
		slog.Time("iat", t.IssuedAt),
		slog.String("token", "REDACTED"),
	)
}

// IsValid checks if [JWT] is valid for at-least 60 seconds.
func (t JWT) IsValid() bool {
	now := time.Now()
	return t.Token != "" && t.IssuedAt.Before(now) && t.Exp.After(now.Add(time.Minute))
}

// contextSigner is similar to [crypto.Signer] but is context-aware.
// KMS backed signers typically implement this.
type contextSigner interface {
	SignContext(ctx context.Context, rand io.Reader, digest []byte, opt crypto.SignerOpts) ([]byte, error)
}

// jwtMinter mints GitHub app JWT.
type jwtMinter interface {
	Mint(ctx context.Context, iss uint64, now time.Time) (JWT, error)
}

// jwtRS256 mints JWT tokens using RS256.
type jwtRS256 struct {
	internal crypto.Signer
}

// Mint mints a new JWT token.
//
// iat is backdated by [jwtClockSkew] and exp is capped so that
// exp - iat never exceeds GitHub's 10 minute limit.
func (s *jwtRS256) Mint(ctx context.Context, iss uint64, now time.Time) (JWT, error) {
	// GitHub rejects timestamps that are not an integer.
	now = now.Truncate(time.Second)
	iat := now.Add(-jwtClockSkew)
	exp := iat.Add(jwtLifetime)

	buf := bytes.NewBuffer(make([]byte, 0, 1024))
	encoder := base64.NewEncoder(base64.RawURLEncoding, buf)

	// Header is constant for RS256, use the pre-encoded form.
	buf.WriteString(api.EncodedJWTHeader)
	buf.WriteByte('.')

	// Encode JWT Payload.
	payload, err := json.Marshal(&api.JWTPayload{
		Issuer:   strconv.FormatUint(iss, 10),
		Exp:      exp.Unix(),
		IssuedAt: iat.Unix(),
	})
	if err != nil {
		return JWT{}, fmt.Errorf("%w: failed to encode JWT payload: %w", ErrSigning, err)
	}
	_, _ = encoder.Write(payload)
	_ = encoder.Close()

	// Sign JWT header and payload.
	hasher := sha256.New()
	_, _ = hasher.Write(buf.Bytes())

	var signature []byte

	// Prefer context aware signers whenever available so that KMS backed
	// keys honor cancellation. Fallback to crypto.Signer.
	if cs, ok := s.internal.(contextSigner); ok {
		if ctx == nil {
			ctx = context.Background()
		}
		signature, err = cs.SignContext(ctx, rand.Reader, hasher.Sum(nil), crypto.SHA256)
	} else {
		signature, err = s.internal.Sign(rand.Reader, hasher.Sum(nil), crypto.SHA256)
	}

	if err != nil {
		return JWT{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	// Write separator.
	buf.WriteByte('.')

	// Encode signature.
	_, _ = encoder.Write(signature)
	_ = encoder.Close()

	// App name may be missing, it is populated by Transport.JWT.
	return JWT{Token: buf.String(), Exp: exp, IssuedAt: iat, AppID: iss}, nil
}

// newJWTMinter validates the signer and returns a minter for it.
//
//   - RSA keys of length less than 2048 bits are rejected.
//   - Only RSA keys are supported. GitHub apps do not support other key types.
func newJWTMinter(signer crypto.Signer) (jwtMinter, error) {
	switch v := signer.Public().(type) {
	case *rsa.PublicKey:
		if v.N.BitLen() < 2048 {
			return nil, fmt.Errorf("%w: rsa key size(%d) < 2048 bits", ErrConfiguration, v.N.BitLen())
		}
		return &jwtRS256{internal: signer}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type: %T", ErrConfiguration, v)
	}
}

// NewJWT returns a new app JWT signed by the signer.
//
// Returned JWT is valid for at most 10 minutes including the clock skew
// backdate. Ensure that your machine's clock is accurate.
//
// Unlike [NewTransport], this does not validate app id and signer against
// the GitHub API. This simply mints the JWT as required by GitHub app
// authentication.
func NewJWT(ctx context.Context, appid uint64, signer crypto.Signer) (JWT, error) {
	var err error
	if signer == nil {
		err = errors.Join(err, errors.New("no signer provided"))
	}

	if appid == 0 {
		err = errors.Join(err, errors.New("app id cannot be zero"))
	}

	if err != nil {
		return JWT{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	minter, err := newJWTMinter(signer)
	if err != nil {
		return JWT{}, err
	}
	return minter.Mint(ctx, appid, time.Now())
}
