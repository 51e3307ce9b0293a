// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package testkeys generates ephemeral test keys.
//
// Generated keys are unique per execution of the binary and are generated
// on demand.
//
// DO NOT USE THESE KEYS OUTSIDE OF UNIT TESTING.
package testkeys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
)

var (
	rsa1024Once   sync.Once
	rsa2048Once   sync.Once
	ecdsaP256Once sync.Once
)

var (
	rsa1024Private   *rsa.PrivateKey
	rsa2048Private   *rsa.PrivateKey
	ecdsaP256Private *ecdsa.PrivateKey
)

// RSA1024 returns an ephemeral RSA-1024 key which is unique per execution
// of the binary. Only used to verify that keys below 2048 bits are rejected.
func RSA1024() *rsa.PrivateKey {
	rsa1024Once.Do(func() {
		//nolint:gosec // check to ensure key size < 2048 is rejected.
		rsa1024Private, _ = rsa.GenerateKey(rand.Reader, 1024)
	})
	return rsa1024Private
}

// RSA2048 returns an ephemeral RSA-2048 key which is unique per execution
// of the binary.
func RSA2048() *rsa.PrivateKey {
	rsa2048Once.Do(func() {
		rsa2048Private, _ = rsa.GenerateKey(rand.Reader, 2048)
	})
	return rsa2048Private
}

// ECP256 returns an ephemeral ECDSA-P256 key which is unique per execution
// of the binary. Only used to verify that non-RSA keys are rejected.
func ECP256() *ecdsa.PrivateKey {
	ecdsaP256Once.Do(func() {
		ecdsaP256Private, _ = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	})
	return ecdsaP256Private
}

// RSA2048PKCS1PEM returns [RSA2048] PEM encoded in PKCS#1 form, the format
// GitHub serves app private keys in.
func RSA2048PKCS1PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(RSA2048()),
	})
}

// RSA2048PKCS8PEM returns [RSA2048] PEM encoded in PKCS#8 form.
func RSA2048PKCS8PEM() []byte {
	der, err := x509.MarshalPKCS8PrivateKey(RSA2048())
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
}

// ECP256PKCS8PEM returns [ECP256] PEM encoded in PKCS#8 form.
func ECP256PKCS8PEM() []byte {
	der, err := x509.MarshalPKCS8PrivateKey(ECP256())
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
}
