// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build windows
// +build windows

package certstore

import (
	"crypto"
	"crypto/x509"
	"unsafe"

	"github.com/gravitational/trace"
	"golang.org/x/sys/windows"
)

// openPlatformStore opens the CurrentUser personal ("MY") store through
// CryptoAPI.
func openPlatformStore() (Store, error) {
	name, err := windows.UTF16PtrFromString("MY")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	handle, err := windows.CertOpenSystemStore(0, name)
	if err != nil {
		return nil, trace.Wrap(err, "apertura del almacen MY fallida")
	}
	return &windowsStore{handle: handle}, nil
}

type windowsStore struct {
	handle windows.Handle
	closed bool
}

func (s *windowsStore) Identities() ([]Identity, error) {
	if s.closed {
		return nil, trace.BadParameter("almacen cerrado")
	}

	var out []Identity
	var ctx *windows.CertContext
	for {
		next, err := windows.CertEnumCertificatesInStore(s.handle, ctx)
		if err != nil || next == nil {
			break
		}
		ctx = next

		// The context's encoded bytes belong to the enumeration; copy
		// them so identities outlive the cursor.
		encoded := unsafe.Slice(ctx.EncodedCert, ctx.Length)
		der := make([]byte, len(encoded))
		copy(der, encoded)

		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		out = append(out, &windowsIdentity{cert: cert})
	}

	return out, nil
}

func (s *windowsStore) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = windows.CertCloseStore(s.handle, 0)
}

// windowsIdentity is a CurrentUser\MY entry. Private keys held by a
// Windows CSP/KSP are not extractable in-process; signing with them goes
// through the engine's own CryptoAPI path, so no signer is exposed here.
type windowsIdentity struct {
	cert *x509.Certificate
}

func (w *windowsIdentity) Certificate() (*x509.Certificate, error) {
	return w.cert, nil
}

func (w *windowsIdentity) Signer() (crypto.Signer, error) {
	return nil, ErrNoPrivateKey(w.cert.Subject.CommonName)
}

func (w *windowsIdentity) Close() {}
