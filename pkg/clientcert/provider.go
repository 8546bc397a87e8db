// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package clientcert selects a client certificate during a TLS handshake
// on behalf of the underlying engine: it matches locally available
// identities against the server's acceptable issuers, materializes owned
// certificate/key handles, and resolves every failure to one of the
// engine.Outcome sentinels. One Provider serves one connection attempt.
package clientcert

import (
	"crypto"
	"crypto/x509"

	"clientcert-provider/pkg/certstore"
	"clientcert-provider/pkg/engine"

	"github.com/gravitational/trace"
	"k8s.io/klog/v2"
)

// Provider holds the candidate identities for one TLS connection attempt
// and owns every handle produced for its handshake until Dispose.
//
// A Provider is used from the single goroutine driving its handshake;
// distinct connections get distinct providers and share nothing.
type Provider struct {
	candidates []Candidate
	automatic  bool
	openStore  func() (certstore.Store, error)
	chains     *ChainBuilder

	token      Token
	registered bool

	cert     *engine.CertHandle
	key      *engine.KeyHandle
	extras   []*engine.CertHandle
	disposed bool
}

// Option adjusts a Provider at construction.
type Option func(*Provider)

// WithIntermediates seeds the chain builder's local CA pool.
func WithIntermediates(pool ...*x509.Certificate) Option {
	return func(p *Provider) {
		p.chains = NewChainBuilder(pool...)
	}
}

// WithStoreOpener replaces the system store capability (automatic mode
// only). Tests substitute an in-memory store here.
func WithStoreOpener(open func() (certstore.Store, error)) Option {
	return func(p *Provider) {
		p.openStore = open
	}
}

// New builds a manual-mode provider over an explicit ordered collection
// of candidate identities. The collection is borrowed, never mutated.
func New(candidates []Candidate, opts ...Option) *Provider {
	p := &Provider{
		candidates: candidates,
		chains:     NewChainBuilder(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewAutomatic builds an automatic-mode provider that resolves its
// candidates from the system certificate store at callback time.
func NewAutomatic(opts ...Option) *Provider {
	p := &Provider{
		automatic: true,
		openStore: certstore.OpenSystem,
		chains:    NewChainBuilder(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register makes the provider reachable from the engine through a stable
// token (see registry.go) and returns that token. Dispose releases it.
func (p *Provider) Register() Token {
	if !p.registered {
		p.token = register(p)
		p.registered = true
	}
	return p.token
}

// SelectClientCertificate is the callback entry point invoked by the TLS
// engine mid-handshake. It runs the selection synchronously to one of
// the three sentinel outcomes; no error ever escapes to the engine.
//
// On CertificateSet both returned handles are owned by the provider and
// stay valid until Dispose or the next invocation (renegotiation reuses
// the instance, replacing any previously held handles).
func (p *Provider) SelectClientCertificate(hs engine.HandshakeContext) (outcome engine.Outcome, cert *engine.CertHandle, key *engine.KeyHandle) {
	// A disposed provider is strictly read-only: no handle state may be
	// touched, so this guard runs before anything else.
	if p.disposed {
		klog.Warningf("[ClientCert] callback sobre un proveedor ya liberado")
		return engine.NoCertificateSet, nil, nil
	}

	// Handles from a previous invocation are superseded.
	p.releaseHeld()

	chainStarted := false
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("[ClientCert] fallo interno durante la seleccion: %v", r)
			p.releaseHeld()
			cert, key = nil, nil
			if chainStarted {
				outcome = engine.SuspendHandshake
			} else {
				outcome = engine.NoCertificateSet
			}
		}
	}()

	// Invoked: a missing handshake context is defensive territory; the
	// handshake can still proceed without a client certificate.
	if hs == nil {
		klog.Warningf("[ClientCert] contexto de handshake nulo")
		return engine.NoCertificateSet, nil, nil
	}

	// IssuerExtracted.
	issuers := ExtractIssuerSet(hs)
	klog.V(2).Infof("[ClientCert] emisores aceptados por el servidor: %d", len(issuers))

	// CandidateResolved.
	selCert, selSigner, selChain, selRelease, err := p.resolveCandidate(issuers)
	if err != nil {
		if !trace.IsNotFound(err) {
			klog.V(1).Infof("[ClientCert] resolucion de candidatos fallida: %v", err)
		}
		return engine.NoCertificateSet, nil, nil
	}
	klog.V(1).Infof("[ClientCert] certificado seleccionado CN=%q cadena=%d", selCert.Subject.CommonName, len(selChain))

	// KeyExtracted: an unusable key is a normal outcome, not an error.
	keyHandle, err := ExtractKey(selCert, selSigner, selRelease)
	if err != nil {
		klog.V(1).Infof("[ClientCert] clave no disponible para CN=%q: %v", selCert.Subject.CommonName, err)
		if selRelease != nil {
			selRelease()
		}
		return engine.NoCertificateSet, nil, nil
	}

	// ChainForwarded: duplicate everything first, then register the
	// intermediates. A single failed registration leaves the handshake
	// inconsistent, so it suspends instead of degrading.
	certHandle := engine.DupCertHandle(selCert)
	extras := ExtraChain(selChain)
	extraHandles := make([]*engine.CertHandle, 0, len(extras))
	for _, ic := range extras {
		extraHandles = append(extraHandles, engine.DupCertHandle(ic))
	}

	chainStarted = true
	for i, h := range extraHandles {
		if err := hs.AddExtraChainCert(h); err != nil {
			klog.Errorf("[ClientCert] registro del intermedio %d/%d fallido: %v", i+1, len(extraHandles), err)
			for _, eh := range extraHandles {
				eh.Free()
			}
			certHandle.Free()
			keyHandle.Free()
			return engine.SuspendHandshake, nil, nil
		}
	}

	// Completed(CertificateSet).
	p.cert = certHandle
	p.key = keyHandle
	p.extras = extraHandles
	return engine.CertificateSet, certHandle, keyHandle
}

// resolveCandidate runs the matcher over the explicit collection or,
// in automatic mode, over the system store. The returned release frees
// the store identity backing the selection (nil for borrowed manual
// candidates); ownership rules are those of ExtractKey.
func (p *Provider) resolveCandidate(issuers IssuerSet) (*x509.Certificate, crypto.Signer, []*x509.Certificate, func(), error) {
	if !p.automatic {
		idx, chain, err := Match(p.candidates, issuers, p.chains)
		if err != nil {
			return nil, nil, nil, nil, trace.Wrap(err)
		}
		sel := p.candidates[idx]
		return sel.Certificate, sel.Signer, chain, nil, nil
	}
	return p.resolveFromStore(issuers)
}

// resolveFromStore queries the system store in read-only mode. Every
// enumerated identity except the selected one is released before this
// returns, on the match and no-match paths alike.
func (p *Provider) resolveFromStore(issuers IssuerSet) (*x509.Certificate, crypto.Signer, []*x509.Certificate, func(), error) {
	store, err := p.openStore()
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "apertura del almacen del sistema fallida")
	}
	defer store.Close()

	ids, err := store.Identities()
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "enumeracion del almacen fallida")
	}

	// Screen out store entries that cannot do client auth; an explicit
	// caller collection never goes through this filter.
	type entry struct {
		id   certstore.Identity
		cert *x509.Certificate
	}
	var entries []entry
	for _, id := range ids {
		cert, err := id.Certificate()
		if err != nil || cert == nil {
			id.Close()
			continue
		}
		if ok, reason := certstore.EligibleForClientAuth(cert); !ok {
			klog.V(2).Infof("[ClientCert] descartado CN=%q: %s", cert.Subject.CommonName, reason)
			id.Close()
			continue
		}
		entries = append(entries, entry{id: id, cert: cert})
	}

	releaseAll := func() {
		for _, e := range entries {
			e.id.Close()
		}
	}

	cands := make([]Candidate, len(entries))
	for i, e := range entries {
		cands[i] = Candidate{Certificate: e.cert}
	}

	idx, chain, err := Match(cands, issuers, p.chains)
	if err != nil {
		releaseAll()
		return nil, nil, nil, nil, trace.Wrap(err)
	}

	// Ownership of the winner transfers to the caller; all the other
	// enumerated identities are released right now.
	for i, e := range entries {
		if i != idx {
			e.id.Close()
		}
	}
	winner := entries[idx]

	signer, err := winner.id.Signer()
	if err != nil {
		winner.id.Close()
		return nil, nil, nil, nil, trace.Wrap(err)
	}
	return winner.cert, signer, chain, winner.id.Close, nil
}

// Dispose releases the registration token and every handle the provider
// still holds. It must be called once per connection attempt regardless
// of outcome. A second call is a contract violation; it is logged and
// guarded so no handle is freed twice.
func (p *Provider) Dispose() {
	if p.disposed {
		klog.Warningf("[ClientCert] Dispose repetido sobre el mismo proveedor")
		return
	}
	p.disposed = true
	p.releaseHeld()
	if p.registered {
		unregister(p.token)
		p.registered = false
	}
}

func (p *Provider) releaseHeld() {
	for _, h := range p.extras {
		h.Free()
	}
	p.extras = nil
	if p.cert != nil {
		p.cert.Free()
		p.cert = nil
	}
	if p.key != nil {
		p.key.Free()
		p.key = nil
	}
}
