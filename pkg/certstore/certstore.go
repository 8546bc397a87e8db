// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package certstore exposes locally available client identities through a
// read-only Store capability. Stores are opened per lookup and must be
// closed by the caller; identities not detached by the caller are
// released when the store closes.
package certstore

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"k8s.io/klog/v2"
)

// Store is a read-only view over a personal certificate store.
type Store interface {
	// Identities enumerates the identities currently present. Each
	// returned identity is owned by the caller and must be closed
	// exactly once.
	Identities() ([]Identity, error)

	// Close releases the store view. Safe to call once per open.
	Close()
}

// Identity is one certificate with optional access to its private key.
type Identity interface {
	// Certificate returns the identity's parsed certificate.
	Certificate() (*x509.Certificate, error)

	// Signer returns a signer backed by the identity's private key, or
	// an error when the key is absent or not locally usable.
	Signer() (crypto.Signer, error)

	// Close releases any native resources held by the identity. Safe to
	// call more than once.
	Close()
}

// Options controls how the system stores are queried.
type Options struct {
	// PKCS11ModulePaths optionally restricts PKCS#11 lookup to specific
	// module paths.
	PKCS11ModulePaths []string
	// IncludePKCS11 controls whether PKCS#11 devices are queried.
	// Default should be true for compatibility.
	IncludePKCS11 bool
	// PKCS11PIN is the user PIN for tokens that require login to sign.
	PKCS11PIN string
}

// OpenSystem opens the aggregate system store: the platform personal
// store plus PKCS#11 devices (DNIe, smart cards).
func OpenSystem() (Store, error) {
	return OpenSystemWithOptions(Options{IncludePKCS11: true})
}

// OpenSystemWithOptions opens the aggregate system store with
// source-specific hints. Sources that fail to open are skipped; an empty
// aggregate is still a valid store.
func OpenSystemWithOptions(opts Options) (Store, error) {
	agg := &aggregateStore{}

	platform, err := openPlatformStore()
	if err != nil {
		klog.V(1).Infof("[CertStore] platform store unavailable: %v", err)
	} else if platform != nil {
		agg.stores = append(agg.stores, platform)
	}

	if opts.IncludePKCS11 {
		p11, err := openPKCS11Store(opts.PKCS11ModulePaths, opts.PKCS11PIN)
		if err != nil {
			klog.V(1).Infof("[CertStore] pkcs11 store unavailable: %v", err)
		} else if p11 != nil {
			agg.stores = append(agg.stores, p11)
		}
	}

	return agg, nil
}

// aggregateStore merges several source stores into one enumeration,
// deduplicating identities by certificate fingerprint across sources.
type aggregateStore struct {
	stores []Store
	closed bool
}

func (s *aggregateStore) Identities() ([]Identity, error) {
	var out []Identity
	seen := make(map[string]struct{}, 16)

	for _, src := range s.stores {
		ids, err := src.Identities()
		if err != nil {
			klog.V(1).Infof("[CertStore] source enumeration failed: %v", err)
			continue
		}
		out = appendUniqueIdentities(out, seen, ids)
	}
	return out, nil
}

func (s *aggregateStore) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, src := range s.stores {
		src.Close()
	}
	s.stores = nil
}

// appendUniqueIdentities keeps the first identity per fingerprint and
// releases the duplicates immediately.
func appendUniqueIdentities(dst []Identity, seen map[string]struct{}, src []Identity) []Identity {
	for _, id := range src {
		cert, err := id.Certificate()
		if err != nil || cert == nil {
			// Conservative behavior: keep identities without a stable
			// key so a usable certificate is never silently dropped.
			dst = append(dst, id)
			continue
		}
		key := Fingerprint(cert)
		if _, ok := seen[key]; ok {
			id.Close()
			continue
		}
		seen[key] = struct{}{}
		dst = append(dst, id)
	}
	return dst
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// EligibleForClientAuth reports whether a store certificate is usable for
// TLS client authentication, with a short reason when it is not.
// Caller-supplied collections are never screened with this; an explicit
// collection is trusted as the caller's intent.
func EligibleForClientAuth(cert *x509.Certificate) (bool, string) {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return false, "certificado aun no valido"
	}
	if now.After(cert.NotAfter) {
		return false, "certificado caducado"
	}
	if cert.IsCA {
		return false, "certificado de autoridad (CA)"
	}

	// If KeyUsage is present, require digitalSignature.
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return false, "uso de clave no permite autenticacion de cliente"
	}

	// If EKU is present, require clientAuth or anyExtendedKeyUsage.
	if len(cert.ExtKeyUsage) > 0 {
		allowed := false
		for _, eku := range cert.ExtKeyUsage {
			if eku == x509.ExtKeyUsageAny || eku == x509.ExtKeyUsageClientAuth {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "EKU no permite autenticacion de cliente"
		}
	}

	return true, ""
}

// ErrNoPrivateKey marks identities whose key is not locally reachable.
func ErrNoPrivateKey(subject string) error {
	return trace.NotFound("clave privada no disponible para %q", strings.TrimSpace(subject))
}
