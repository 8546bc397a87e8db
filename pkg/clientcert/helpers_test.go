// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"clientcert-provider/pkg/engine"

	"github.com/stretchr/testify/require"
)

var testSerial int64 = 1000

func nextSerial() *big.Int {
	testSerial++
	return big.NewInt(testSerial)
}

// certKit pairs a certificate with its signing key for chain building.
type certKit struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newCA(t *testing.T, cn string) certKit {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Prueba"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return certKit{cert: cert, key: key}
}

func newIntermediate(t *testing.T, cn string, parent certKit) certKit {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Prueba"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent.cert, &key.PublicKey, parent.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return certKit{cert: cert, key: key}
}

func newLeaf(t *testing.T, cn string, parent certKit) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cert := signLeaf(t, cn, parent, &key.PublicKey)
	return cert, key
}

func newECLeaf(t *testing.T, cn string, parent certKit) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert := signLeaf(t, cn, parent, &key.PublicKey)
	return cert, key
}

func signLeaf(t *testing.T, cn string, parent certKit, pub crypto.PublicKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Prueba"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent.cert, pub, parent.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// fakeHandshake is a controllable engine.HandshakeContext.
type fakeHandshake struct {
	issuers []string
	added   []*engine.CertHandle
	failAt  int // 1-based AddExtraChainCert call that fails; 0 never
	calls   int
}

func (f *fakeHandshake) AcceptableIssuers() []string {
	return f.issuers
}

func (f *fakeHandshake) AddExtraChainCert(h *engine.CertHandle) error {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return errors.New("fallo nativo simulado")
	}
	f.added = append(f.added, h)
	return nil
}

func issuerDN(kit certKit) string {
	return kit.cert.Subject.String()
}
