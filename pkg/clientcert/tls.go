// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/asn1"

	"clientcert-provider/pkg/engine"

	"github.com/gravitational/trace"
)

// requestContext adapts crypto/tls's certificate request to the engine
// boundary. Extra chain handles are collected in registration order and
// folded into the final tls.Certificate.
type requestContext struct {
	info   *tls.CertificateRequestInfo
	extras []*engine.CertHandle
}

func (c *requestContext) AcceptableIssuers() []string {
	if c.info == nil {
		return nil
	}
	out := make([]string, 0, len(c.info.AcceptableCAs))
	for _, raw := range c.info.AcceptableCAs {
		var rdn pkix.RDNSequence
		if _, err := asn1.Unmarshal(raw, &rdn); err != nil {
			continue
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		out = append(out, name.String())
	}
	return out
}

func (c *requestContext) AddExtraChainCert(h *engine.CertHandle) error {
	if h == nil || !h.Valid() {
		return trace.BadParameter("manejador de certificado intermedio invalido")
	}
	c.extras = append(c.extras, h)
	return nil
}

// GetClientCertificate bridges the provider to crypto/tls. Wire it as
// tls.Config.GetClientCertificate. NoCertificateSet maps to the empty
// certificate (the stack then sends an empty Certificate message);
// SuspendHandshake maps to an error, which aborts the handshake.
func (p *Provider) GetClientCertificate(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	rc := &requestContext{info: info}
	outcome, certHandle, keyHandle := p.SelectClientCertificate(rc)

	switch outcome {
	case engine.CertificateSet:
		chain := [][]byte{certHandle.DER()}
		for _, h := range rc.extras {
			chain = append(chain, h.DER())
		}
		return &tls.Certificate{
			Certificate: chain,
			PrivateKey:  keyHandle.Signer(),
			Leaf:        certHandle.X509(),
		}, nil
	case engine.NoCertificateSet:
		return &tls.Certificate{}, nil
	default:
		return nil, trace.Errorf("seleccion de certificado de cliente suspendida")
	}
}
