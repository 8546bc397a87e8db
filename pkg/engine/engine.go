// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package engine models the boundary with the underlying TLS engine:
// the handshake context handed to the client-certificate callback, the
// three-valued sentinel result it must return, and the owned certificate
// and key handles it produces. No error ever crosses this boundary; every
// failure is resolved to one of the Outcome sentinels before returning.
package engine

// Outcome is the sentinel returned by the client-certificate callback.
type Outcome int

const (
	// SuspendHandshake tells the engine to abort this handshake attempt.
	// Reserved for recoverable assembly failures (partial chain
	// registration) that could leave the handshake inconsistent.
	SuspendHandshake Outcome = -1
	// NoCertificateSet continues the handshake without a client
	// certificate, if the server policy permits it.
	NoCertificateSet Outcome = 0
	// CertificateSet means both output handles are populated and valid.
	CertificateSet Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case SuspendHandshake:
		return "suspend"
	case NoCertificateSet:
		return "no-certificate"
	case CertificateSet:
		return "certificate-set"
	default:
		return "unknown"
	}
}

// HandshakeContext is the in-progress TLS session state as exposed to the
// callback. Implementations wrap whatever the concrete engine provides.
type HandshakeContext interface {
	// AcceptableIssuers returns the distinguished names of the
	// certificate authorities the server declared acceptable for client
	// authentication. May contain duplicates or blanks; an empty result
	// means the server imposed no issuer constraint.
	AcceptableIssuers() []string

	// AddExtraChainCert registers one intermediate certificate with the
	// handshake as extra chain material. The engine borrows the handle
	// for the duration of the handshake; ownership stays with the
	// caller, which frees it after teardown.
	AddExtraChainCert(h *CertHandle) error
}
