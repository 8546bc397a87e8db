// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"bytes"
	"crypto/x509"

	"clientcert-provider/pkg/certstore"
)

// Chains deeper than this indicate a loop in the local pool.
const maxChainDepth = 8

// ChainBuilder resolves leaf-to-root trust chains against a pool of
// locally known CA certificates. Building is structural linkage only;
// application policy (expiry, usage) is not checked here.
type ChainBuilder struct {
	pool []*x509.Certificate
}

// NewChainBuilder builds over the given intermediate/root pool. An empty
// pool yields chains of length one.
func NewChainBuilder(pool ...*x509.Certificate) *ChainBuilder {
	return &ChainBuilder{pool: pool}
}

// Build returns the ordered chain from leaf towards a locally resolvable
// root. The leaf is always index 0; the walk stops at a self-signed
// certificate, at a missing issuer, or at the depth cap.
func (b *ChainBuilder) Build(leaf *x509.Certificate) []*x509.Certificate {
	if leaf == nil {
		return nil
	}
	chain := []*x509.Certificate{leaf}
	visited := map[string]struct{}{certstore.Fingerprint(leaf): {}}

	cur := leaf
	for len(chain) < maxChainDepth {
		if isSelfSigned(cur) {
			break
		}
		parent := b.findIssuer(cur)
		if parent == nil {
			break
		}
		fp := certstore.Fingerprint(parent)
		if _, seen := visited[fp]; seen {
			break
		}
		visited[fp] = struct{}{}
		chain = append(chain, parent)
		cur = parent
	}
	return chain
}

func (b *ChainBuilder) findIssuer(cert *x509.Certificate) *x509.Certificate {
	for _, cand := range b.pool {
		if !bytes.Equal(cand.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(cand); err != nil {
			continue
		}
		return cand
	}
	return nil
}

// ExtraChain returns the chain elements that must be forwarded to the
// engine as extra chain material: everything except the leaf and, when
// the chain terminates in a self-signed root, that root.
func ExtraChain(chain []*x509.Certificate) []*x509.Certificate {
	if len(chain) <= 1 {
		return nil
	}
	extras := chain[1:]
	if last := extras[len(extras)-1]; isSelfSigned(last) {
		extras = extras[:len(extras)-1]
	}
	return extras
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}
