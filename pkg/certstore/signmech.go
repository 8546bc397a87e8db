// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"

	"github.com/gravitational/trace"
)

// signScheme identifies the token mechanism family a signature request
// must use.
type signScheme int

const (
	schemeRSAPKCS1 signScheme = iota + 1
	schemeRSAPSS
	schemeECDSA
)

// signPlan is the resolved recipe for one signature request: the
// mechanism family plus its hash-derived parameters.
type signPlan struct {
	scheme signScheme
	hash   crypto.Hash
	// prefix is the ASN.1 DigestInfo header CKM_RSA_PKCS needs in front
	// of the digest (the mechanism only applies padding).
	prefix []byte
	// saltLen is the PSS salt length in bytes.
	saltLen int
}

// planSignature resolves the signing scheme for a public key and the
// caller's signer options. TLS 1.3 requests RSA-PSS by passing
// *rsa.PSSOptions; any other opts on an RSA key mean PKCS#1 v1.5.
// Unsupported combinations are refused here so the failure stays local
// and diagnosable instead of surfacing as a remote alert after a
// wrongly padded signature.
func planSignature(pub crypto.PublicKey, opts crypto.SignerOpts) (signPlan, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			hash := pssOpts.Hash
			if _, known := pkcs1Prefix[hash]; !known {
				return signPlan{}, trace.BadParameter("hash %v no soportado para RSA-PSS", hash)
			}
			saltLen := pssOpts.SaltLength
			if saltLen == rsa.PSSSaltLengthAuto || saltLen == rsa.PSSSaltLengthEqualsHash {
				saltLen = hash.Size()
			}
			return signPlan{scheme: schemeRSAPSS, hash: hash, saltLen: saltLen}, nil
		}
		prefix, known := pkcs1Prefix[opts.HashFunc()]
		if !known {
			return signPlan{}, trace.BadParameter("hash %v no soportado para RSA", opts.HashFunc())
		}
		return signPlan{scheme: schemeRSAPKCS1, hash: opts.HashFunc(), prefix: prefix}, nil
	case *ecdsa.PublicKey:
		return signPlan{scheme: schemeECDSA, hash: opts.HashFunc()}, nil
	default:
		return signPlan{}, trace.BadParameter("tipo de clave publica no soportado")
	}
}

var pkcs1Prefix = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}
