// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package engine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
)

// KeyAlgorithm tags the algorithm behind a KeyHandle.
type KeyAlgorithm int

const (
	KeyAlgorithmRSA KeyAlgorithm = iota + 1
	KeyAlgorithmEC
)

func (a KeyAlgorithm) String() string {
	switch a {
	case KeyAlgorithmRSA:
		return "RSA"
	case KeyAlgorithmEC:
		return "EC"
	default:
		return "unknown"
	}
}

// CertHandle is an owned duplicate of a certificate's native (DER)
// representation. It is independent of the source certificate: freeing or
// mutating the original never invalidates the handle, and Free is guarded
// so a second call is a harmless no-op.
type CertHandle struct {
	der   []byte
	cert  *x509.Certificate
	freed bool
}

// DupCertHandle duplicates cert into a newly owned handle.
func DupCertHandle(cert *x509.Certificate) *CertHandle {
	if cert == nil {
		return nil
	}
	der := make([]byte, len(cert.Raw))
	copy(der, cert.Raw)
	return &CertHandle{der: der, cert: cert}
}

// DER returns the handle's raw certificate bytes. The slice is borrowed;
// it becomes invalid once the handle is freed.
func (h *CertHandle) DER() []byte {
	if h == nil || h.freed {
		return nil
	}
	return h.der
}

// X509 returns the parsed certificate backing this handle.
func (h *CertHandle) X509() *x509.Certificate {
	if h == nil || h.freed {
		return nil
	}
	return h.cert
}

// Valid reports whether the handle still owns live certificate material.
func (h *CertHandle) Valid() bool {
	return h != nil && !h.freed && len(h.der) > 0
}

// Free releases the duplicated certificate material. Safe to call more
// than once; only the first call releases anything.
func (h *CertHandle) Free() {
	if h == nil || h.freed {
		return
	}
	h.freed = true
	for i := range h.der {
		h.der[i] = 0
	}
	h.der = nil
	h.cert = nil
}

// KeyHandle wraps an owned private key, tagged by algorithm internally but
// presented to the engine uniformly as an opaque key reference.
type KeyHandle struct {
	alg    KeyAlgorithm
	signer crypto.Signer
	// closer releases native resources behind opaque signers (PKCS#11
	// sessions and the like); nil for in-memory keys.
	closer func()
	freed  bool
}

// DupRSAKeyHandle copies priv into an independently owned RSA handle.
// The duplicate shares no storage with the original, so disposing the
// original cannot corrupt it.
func DupRSAKeyHandle(priv *rsa.PrivateKey) *KeyHandle {
	if priv == nil {
		return nil
	}
	dup := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: dupInt(priv.N),
			E: priv.E,
		},
		D: dupInt(priv.D),
	}
	for _, p := range priv.Primes {
		dup.Primes = append(dup.Primes, dupInt(p))
	}
	dup.Precompute()
	return &KeyHandle{alg: KeyAlgorithmRSA, signer: dup}
}

// DupECKeyHandle copies priv into an independently owned EC handle.
func DupECKeyHandle(priv *ecdsa.PrivateKey) *KeyHandle {
	if priv == nil {
		return nil
	}
	dup := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: priv.Curve,
			X:     dupInt(priv.X),
			Y:     dupInt(priv.Y),
		},
		D: dupInt(priv.D),
	}
	return &KeyHandle{alg: KeyAlgorithmEC, signer: dup}
}

// NewOpaqueKeyHandle wraps a signer whose key material lives behind a
// native interface (smart card, OS store). closer, when non-nil, runs on
// Free to release the underlying session.
func NewOpaqueKeyHandle(alg KeyAlgorithm, signer crypto.Signer, closer func()) *KeyHandle {
	if signer == nil {
		return nil
	}
	return &KeyHandle{alg: alg, signer: signer, closer: closer}
}

// Algorithm returns the tagged key algorithm.
func (h *KeyHandle) Algorithm() KeyAlgorithm {
	if h == nil {
		return 0
	}
	return h.alg
}

// Signer returns the signing capability of the handle, or nil once freed.
func (h *KeyHandle) Signer() crypto.Signer {
	if h == nil || h.freed {
		return nil
	}
	return h.signer
}

// Valid reports whether the handle still holds a usable key.
func (h *KeyHandle) Valid() bool {
	return h != nil && !h.freed && h.signer != nil
}

// Free releases the key. Guarded against double free: the closer runs at
// most once and later calls are no-ops.
func (h *KeyHandle) Free() {
	if h == nil || h.freed {
		return
	}
	h.freed = true
	if h.closer != nil {
		h.closer()
		h.closer = nil
	}
	h.signer = nil
}

func dupInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
