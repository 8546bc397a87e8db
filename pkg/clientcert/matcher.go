// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"crypto"
	"crypto/x509"

	"github.com/gravitational/trace"
)

// Candidate is one locally available client identity considered for
// selection. Signer may be nil when the key is fetched later (store
// enumeration defers key access until a certificate wins).
type Candidate struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// Match selects a candidate against the server's issuer constraint.
//
// A single candidate is selected unconditionally, without verifying
// issuer membership: an explicitly provided lone certificate is trusted
// as the caller's intent. With several candidates, the first one (in
// collection order) whose chain carries an issuer present in the set
// wins; when the set is empty, the first candidate carrying a
// certificate wins.
// There is no scoring beyond issuer membership.
//
// Returns the winning index and its chain, or a NotFound error.
func Match(candidates []Candidate, issuers IssuerSet, chains *ChainBuilder) (int, []*x509.Certificate, error) {
	if len(candidates) == 0 {
		return -1, nil, trace.NotFound("no hay certificados candidatos")
	}

	if len(candidates) == 1 {
		leaf := candidates[0].Certificate
		if leaf == nil {
			return -1, nil, trace.NotFound("el unico candidato no tiene certificado")
		}
		return 0, chains.Build(leaf), nil
	}

	for i, cand := range candidates {
		if cand.Certificate == nil {
			continue
		}
		// Build always yields at least the leaf for a non-nil
		// certificate, so the chain needs no emptiness check here.
		chain := chains.Build(cand.Certificate)
		if issuers.Empty() || chainMatchesIssuers(chain, issuers) {
			return i, chain, nil
		}
	}
	return -1, nil, trace.NotFound("ningun certificado coincide con los emisores aceptados")
}

// chainMatchesIssuers reports whether any element of the chain was
// issued by an authority named in the set.
func chainMatchesIssuers(chain []*x509.Certificate, issuers IssuerSet) bool {
	for _, cert := range chain {
		if issuers.Contains(cert.Issuer.String()) {
			return true
		}
	}
	return false
}
