// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package secrets provides access to the secret store backing the token
// issuance flow: the shared app private key and the per-repository
// installation ids.
//
// The store is read-mostly. The only write path is caching a newly
// discovered installation id.
package secrets

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ErrNotFound is returned when the named secret or its latest version
// does not exist.
const ErrNotFound = secretsError("secrets: not found")

type secretsError string

func (e secretsError) Error() string {
	return string(e)
}

// Store is the secret store collaborator. Implementations must be safe
// for use from a single invocation; no cross-process coordination is
// assumed.
type Store interface {
	// GetLatest returns the payload of the latest version of the named
	// secret. Returns an error wrapping [ErrNotFound] when the secret
	// does not exist.
	GetLatest(ctx context.Context, name string) ([]byte, error)

	// Add stores payload as a new version of the named secret, creating
	// the secret when necessary.
	Add(ctx context.Context, name string, payload []byte) error
}

// ParsePrivateKey parses a PEM encoded RSA private key in either PKCS#1
// (the format GitHub serves app keys in) or PKCS#8 form.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("secrets: key is not PEM encoded")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("secrets: invalid PKCS#1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("secrets: invalid PKCS#8 key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("secrets: key is not RSA: %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("secrets: unsupported PEM block type: %s", block.Type)
	}
}
