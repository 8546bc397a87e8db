// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"

	"clientcert-provider/pkg/engine"

	"github.com/gravitational/trace"
)

// ExtractKey turns the selected identity's private key into an owned
// KeyHandle. RSA extraction is attempted first, then elliptic-curve;
// anything else is reported as unavailable (a NotFound error), which the
// adapter resolves as NoCertificateSet, never as a hard failure.
//
// release frees the identity that backs signer (nil when borrowed). On
// success its ownership moves into the returned handle: in-memory keys
// are deep-copied and the identity is released immediately, opaque keys
// (smart card, OS store) keep it as the handle's closer. On error the
// release stays with the caller.
func ExtractKey(cert *x509.Certificate, signer crypto.Signer, release func()) (*engine.KeyHandle, error) {
	if cert == nil {
		return nil, trace.NotFound("certificado no disponible")
	}
	if signer == nil {
		return nil, trace.NotFound("el certificado no tiene clave privada asociada")
	}

	if h, err := extractRSA(cert, signer, release); err == nil {
		return h, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	if h, err := extractEC(cert, signer, release); err == nil {
		return h, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	return nil, trace.NotFound("algoritmo de clave no soportado para %q", cert.Subject.CommonName)
}

func extractRSA(cert *x509.Certificate, signer crypto.Signer, release func()) (*engine.KeyHandle, error) {
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, trace.NotFound("la clave no es RSA")
	}
	if priv, ok := signer.(*rsa.PrivateKey); ok {
		h := engine.DupRSAKeyHandle(priv)
		if h == nil || !h.Valid() {
			return nil, trace.BadParameter("duplicado de clave RSA invalido")
		}
		if release != nil {
			release()
		}
		return h, nil
	}
	h := engine.NewOpaqueKeyHandle(engine.KeyAlgorithmRSA, signer, release)
	if h == nil || !h.Valid() {
		return nil, trace.BadParameter("manejador de clave RSA invalido")
	}
	return h, nil
}

func extractEC(cert *x509.Certificate, signer crypto.Signer, release func()) (*engine.KeyHandle, error) {
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok {
		return nil, trace.NotFound("la clave no es de curva eliptica")
	}
	if priv, ok := signer.(*ecdsa.PrivateKey); ok {
		h := engine.DupECKeyHandle(priv)
		if h == nil || !h.Valid() {
			return nil, trace.BadParameter("duplicado de clave EC invalido")
		}
		if release != nil {
			release()
		}
		return h, nil
	}
	h := engine.NewOpaqueKeyHandle(engine.KeyAlgorithmEC, signer, release)
	if h == nil || !h.Valid() {
		return nil, trace.BadParameter("manejador de clave EC invalido")
	}
	return h, nil
}
