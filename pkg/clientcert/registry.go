// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"sync"

	"clientcert-provider/pkg/engine"

	"k8s.io/klog/v2"
)

// Token is the stable, pointer-sized identity a registered provider
// presents to native code. The engine holds the token, never a direct
// object reference, so the provider stays addressable for the whole
// handshake regardless of what the runtime does with the object itself.
type Token uint64

var providerTable = struct {
	mu   sync.Mutex
	next Token
	m    map[Token]*Provider
}{
	next: 1,
	m:    make(map[Token]*Provider),
}

func register(p *Provider) Token {
	providerTable.mu.Lock()
	defer providerTable.mu.Unlock()
	tok := providerTable.next
	providerTable.next++
	providerTable.m[tok] = p
	return tok
}

func unregister(tok Token) {
	providerTable.mu.Lock()
	defer providerTable.mu.Unlock()
	delete(providerTable.m, tok)
}

// Lookup resolves a registration token, or nil when it was released.
func Lookup(tok Token) *Provider {
	providerTable.mu.Lock()
	defer providerTable.mu.Unlock()
	return providerTable.m[tok]
}

// Callback is the token-addressed entry point for engines that can only
// carry an opaque integer through their callback plumbing. An unknown or
// already-released token degrades to NoCertificateSet.
func Callback(tok Token, hs engine.HandshakeContext) (engine.Outcome, *engine.CertHandle, *engine.KeyHandle) {
	p := Lookup(tok)
	if p == nil {
		klog.Warningf("[ClientCert] callback con token desconocido %d", tok)
		return engine.NoCertificateSet, nil, nil
	}
	return p.SelectClientCertificate(hs)
}
