// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"clientcert-provider/pkg/certstore"
	"clientcert-provider/pkg/engine"

	"github.com/stretchr/testify/require"
)

func TestSelectSingleCandidateEmptyIssuerSet(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}}, WithIntermediates(ca.cert))
	defer p.Dispose()

	hs := &fakeHandshake{}
	outcome, cert, keyHandle := p.SelectClientCertificate(hs)

	require.Equal(t, engine.CertificateSet, outcome)
	require.True(t, cert.Valid())
	require.True(t, keyHandle.Valid())
	require.Equal(t, leaf.Raw, cert.DER())
	require.Empty(t, hs.added, "hoja emitida por la raiz: no hay intermedios que reenviar")
}

func TestSelectThirdCandidateByIssuer(t *testing.T) {
	ca1 := newCA(t, "AC Uno")
	ca2 := newCA(t, "AC Dos")
	ca3 := newCA(t, "AC Tres")
	l1, k1 := newLeaf(t, "primero", ca1)
	l2, k2 := newLeaf(t, "segundo", ca2)
	l3, k3 := newLeaf(t, "tercero", ca3)

	p := New([]Candidate{
		{Certificate: l1, Signer: k1},
		{Certificate: l2, Signer: k2},
		{Certificate: l3, Signer: k3},
	}, WithIntermediates(ca1.cert, ca2.cert, ca3.cert))
	defer p.Dispose()

	hs := &fakeHandshake{issuers: []string{issuerDN(ca3)}}
	outcome, cert, _ := p.SelectClientCertificate(hs)

	require.Equal(t, engine.CertificateSet, outcome)
	require.Equal(t, l3.Raw, cert.DER())
}

func TestSelectNoIssuerMatch(t *testing.T) {
	ca1 := newCA(t, "AC Uno")
	caAjena := newCA(t, "AC Ajena")
	l1, k1 := newLeaf(t, "primero", ca1)
	l2, k2 := newLeaf(t, "segundo", ca1)

	p := New([]Candidate{
		{Certificate: l1, Signer: k1},
		{Certificate: l2, Signer: k2},
	}, WithIntermediates(ca1.cert))
	defer p.Dispose()

	hs := &fakeHandshake{issuers: []string{issuerDN(caAjena)}}
	outcome, cert, keyHandle := p.SelectClientCertificate(hs)

	require.Equal(t, engine.NoCertificateSet, outcome)
	require.Nil(t, cert)
	require.Nil(t, keyHandle)
}

func TestSelectForwardsIntermediatesInOrder(t *testing.T) {
	root := newCA(t, "Raiz")
	i1 := newIntermediate(t, "Inter 1", root)
	i2 := newIntermediate(t, "Inter 2", i1)
	leaf, key := newLeaf(t, "usuario", i2)

	p := New([]Candidate{{Certificate: leaf, Signer: key}},
		WithIntermediates(i1.cert, i2.cert, root.cert))
	defer p.Dispose()

	hs := &fakeHandshake{}
	outcome, _, _ := p.SelectClientCertificate(hs)

	require.Equal(t, engine.CertificateSet, outcome)
	require.Len(t, hs.added, 2)
	require.Equal(t, i2.cert.Raw, hs.added[0].DER())
	require.Equal(t, i1.cert.Raw, hs.added[1].DER())
}

func TestSelectSuspendsOnPartialChainRegistration(t *testing.T) {
	root := newCA(t, "Raiz")
	i1 := newIntermediate(t, "Inter 1", root)
	i2 := newIntermediate(t, "Inter 2", i1)
	i3 := newIntermediate(t, "Inter 3", i2)
	leaf, key := newLeaf(t, "usuario", i3)

	p := New([]Candidate{{Certificate: leaf, Signer: key}},
		WithIntermediates(i1.cert, i2.cert, i3.cert, root.cert))
	defer p.Dispose()

	// Three intermediates to forward; the second registration fails.
	hs := &fakeHandshake{failAt: 2}
	outcome, cert, keyHandle := p.SelectClientCertificate(hs)

	require.Equal(t, engine.SuspendHandshake, outcome,
		"una cadena registrada a medias deja el handshake inconsistente")
	require.Nil(t, cert)
	require.Nil(t, keyHandle)

	// The handle registered before the failure must have been freed too.
	require.Len(t, hs.added, 1)
	require.False(t, hs.added[0].Valid(), "todo duplicado se libera tras el fallo")
}

func TestSelectAutomaticReleasesEveryLoser(t *testing.T) {
	ca1 := newCA(t, "AC Uno")
	ca2 := newCA(t, "AC Dos")
	l1, k1 := newLeaf(t, "primero", ca1)
	l2, k2 := newLeaf(t, "segundo", ca2)
	l3, k3 := newLeaf(t, "tercero", ca1)

	id1 := certstore.NewMemoryIdentity(l1, k1)
	id2 := certstore.NewMemoryIdentity(l2, k2)
	id3 := certstore.NewMemoryIdentity(l3, k3)

	p := NewAutomatic(
		WithStoreOpener(func() (certstore.Store, error) {
			return certstore.NewMemoryStore(id1, id2, id3), nil
		}),
		WithIntermediates(ca1.cert, ca2.cert),
	)
	defer p.Dispose()

	hs := &fakeHandshake{issuers: []string{issuerDN(ca2)}}
	outcome, cert, _ := p.SelectClientCertificate(hs)

	require.Equal(t, engine.CertificateSet, outcome)
	require.Equal(t, l2.Raw, cert.DER())

	// Losers released exactly once; the winner's release runs once too,
	// consumed by the key extraction after the in-memory copy.
	require.Equal(t, 1, id1.CloseCount())
	require.Equal(t, 1, id2.CloseCount())
	require.Equal(t, 1, id3.CloseCount())
}

func TestSelectAutomaticScreensIneligible(t *testing.T) {
	ca := newCA(t, "AC")
	expired := expiredLeaf(t, "caducado", ca)
	leaf, key := newLeaf(t, "vigente", ca)

	idExpired := certstore.NewMemoryIdentity(expired, nil)
	idOK := certstore.NewMemoryIdentity(leaf, key)

	p := NewAutomatic(
		WithStoreOpener(func() (certstore.Store, error) {
			return certstore.NewMemoryStore(idExpired, idOK), nil
		}),
		WithIntermediates(ca.cert),
	)
	defer p.Dispose()

	outcome, cert, _ := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.CertificateSet, outcome)
	require.Equal(t, leaf.Raw, cert.DER())
	require.Equal(t, 1, idExpired.CloseCount(), "un descartado del filtro se libera una sola vez")
	require.Equal(t, 1, idOK.CloseCount())
}

func TestSelectAutomaticWinnerWithoutKey(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, _ := newLeaf(t, "usuario", ca)

	id := certstore.NewMemoryIdentity(leaf, nil)
	p := NewAutomatic(WithStoreOpener(func() (certstore.Store, error) {
		return certstore.NewMemoryStore(id), nil
	}))
	defer p.Dispose()

	outcome, cert, keyHandle := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.NoCertificateSet, outcome,
		"clave no disponible es un resultado normal, no un fallo duro")
	require.Nil(t, cert)
	require.Nil(t, keyHandle)
	require.Equal(t, 1, id.CloseCount())
}

func TestSelectNilHandshakeContext(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}})
	defer p.Dispose()

	outcome, cert, keyHandle := p.SelectClientCertificate(nil)
	require.Equal(t, engine.NoCertificateSet, outcome)
	require.Nil(t, cert)
	require.Nil(t, keyHandle)
}

func TestSelectRenegotiationReplacesHandles(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}}, WithIntermediates(ca.cert))
	defer p.Dispose()

	_, cert1, key1 := p.SelectClientCertificate(&fakeHandshake{})
	require.True(t, cert1.Valid())

	outcome, cert2, key2 := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.CertificateSet, outcome)
	require.False(t, cert1.Valid(), "la renegociacion reemplaza los manejadores previos")
	require.False(t, key1.Valid())
	require.True(t, cert2.Valid())
	require.True(t, key2.Valid())
}

func TestDisposeIsIdempotent(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}}, WithIntermediates(ca.cert))
	_, cert, keyHandle := p.SelectClientCertificate(&fakeHandshake{})
	require.True(t, cert.Valid())

	p.Dispose()
	require.False(t, cert.Valid())
	require.False(t, keyHandle.Valid())

	// A second Dispose is a contract violation by the caller; it must be
	// absorbed without touching anything twice.
	require.NotPanics(t, p.Dispose)
}

func TestSelectAfterDispose(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}})
	p.Dispose()

	outcome, cert, keyHandle := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.NoCertificateSet, outcome)
	require.Nil(t, cert)
	require.Nil(t, keyHandle)
}

func TestSelectAfterDisposeLeavesHandlesUntouched(t *testing.T) {
	ca := newCA(t, "AC")
	leaf, key := newLeaf(t, "usuario", ca)

	p := New([]Candidate{{Certificate: leaf, Signer: key}}, WithIntermediates(ca.cert))
	_, cert, keyHandle := p.SelectClientCertificate(&fakeHandshake{})
	require.True(t, cert.Valid())

	// Mark released without running the release itself: a callback on a
	// released provider must be read-only and never free anything.
	p.disposed = true

	outcome, _, _ := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.NoCertificateSet, outcome)
	require.True(t, cert.Valid(), "la via liberada no toca los manejadores retenidos")
	require.True(t, keyHandle.Valid())
}

func TestSelectStoreOpenFailure(t *testing.T) {
	p := NewAutomatic(WithStoreOpener(func() (certstore.Store, error) {
		return nil, errTimeout{}
	}))
	defer p.Dispose()

	outcome, _, _ := p.SelectClientCertificate(&fakeHandshake{})
	require.Equal(t, engine.NoCertificateSet, outcome,
		"un almacen inaccesible degrada a continuar sin certificado")
}

type errTimeout struct{}

func (errTimeout) Error() string { return "almacen no disponible" }

func expiredLeaf(t *testing.T, cn string, parent certKit) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Prueba"}},
		NotBefore:    time.Now().Add(-48 * time.Hour),
		NotAfter:     time.Now().Add(-24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent.cert, &key.PublicKey, parent.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
