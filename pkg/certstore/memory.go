// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/gravitational/trace"
)

// MemoryStore is an in-memory Store. It backs manual-mode identities
// loaded from PEM files and substitutes for the system store in tests.
type MemoryStore struct {
	identities []*MemoryIdentity
	closed     bool
}

// NewMemoryStore builds a store over the given identities.
func NewMemoryStore(ids ...*MemoryIdentity) *MemoryStore {
	return &MemoryStore{identities: ids}
}

// Add appends an identity to the store.
func (s *MemoryStore) Add(id *MemoryIdentity) {
	s.identities = append(s.identities, id)
}

// Identities returns the stored identities in insertion order.
func (s *MemoryStore) Identities() ([]Identity, error) {
	if s.closed {
		return nil, trace.BadParameter("almacen cerrado")
	}
	out := make([]Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	return out, nil
}

// Close marks the store closed. Identities are plain memory; nothing
// further to release here.
func (s *MemoryStore) Close() {
	s.closed = true
}

// MemoryIdentity is an Identity held fully in process memory.
type MemoryIdentity struct {
	cert   *x509.Certificate
	signer crypto.Signer
	closes int
}

// NewMemoryIdentity wraps a certificate and its (possibly nil) key.
func NewMemoryIdentity(cert *x509.Certificate, signer crypto.Signer) *MemoryIdentity {
	return &MemoryIdentity{cert: cert, signer: signer}
}

func (m *MemoryIdentity) Certificate() (*x509.Certificate, error) {
	if m.cert == nil {
		return nil, trace.NotFound("identidad sin certificado")
	}
	return m.cert, nil
}

func (m *MemoryIdentity) Signer() (crypto.Signer, error) {
	if m.signer == nil {
		subject := ""
		if m.cert != nil {
			subject = m.cert.Subject.CommonName
		}
		return nil, ErrNoPrivateKey(subject)
	}
	return m.signer, nil
}

func (m *MemoryIdentity) Close() {
	m.closes++
}

// CloseCount reports how many times Close ran. Used by tests to verify
// the exactly-once release discipline of store enumeration leftovers.
func (m *MemoryIdentity) CloseCount() int {
	return m.closes
}

// LoadIdentityFromPEM reads a certificate and private key pair from PEM
// files and returns them as a memory identity.
func LoadIdentityFromPEM(certPath, keyPath string) (*MemoryIdentity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, trace.Wrap(err, "lectura del certificado %q", certPath)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, trace.BadParameter("el fichero %q no contiene un certificado PEM", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "certificado %q invalido", certPath)
	}

	if keyPath == "" {
		return NewMemoryIdentity(cert, nil), nil
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, trace.Wrap(err, "lectura de la clave %q", keyPath)
	}
	signer, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, trace.Wrap(err, "clave %q invalida", keyPath)
	}
	return NewMemoryIdentity(cert, signer), nil
}

func parsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, trace.NotFound("no se encontro ninguna clave privada PEM")
		}
		data = rest

		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			switch k := key.(type) {
			case *rsa.PrivateKey:
				return k, nil
			case *ecdsa.PrivateKey:
				return k, nil
			default:
				return nil, trace.BadParameter("tipo de clave PKCS#8 no soportado")
			}
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return key, nil
		}
	}
}
