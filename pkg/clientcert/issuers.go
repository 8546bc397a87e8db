// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"strings"

	"clientcert-provider/pkg/engine"

	"k8s.io/klog/v2"
)

// IssuerSet is the deduplicated set of certificate-authority
// distinguished names the server accepts for client authentication.
// An empty set means the server imposed no issuer constraint.
type IssuerSet map[string]struct{}

// Empty reports whether the server imposed no issuer constraint.
func (s IssuerSet) Empty() bool {
	return len(s) == 0
}

// Contains reports whether dn belongs to the set.
func (s IssuerSet) Contains(dn string) bool {
	_, ok := s[normalizeDN(dn)]
	return ok
}

// ExtractIssuerSet reads the acceptable issuer names from the handshake
// context. A nil context, an empty native list, or a context that fails
// mid-read all degrade to the empty set: an issuer constraint failure
// means "no constraint", never a hard error.
func ExtractIssuerSet(hs engine.HandshakeContext) (out IssuerSet) {
	out = IssuerSet{}
	if hs == nil {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			klog.Warningf("[ClientCert] lectura de emisores aceptados fallida: %v", r)
			out = IssuerSet{}
		}
	}()

	for _, dn := range hs.AcceptableIssuers() {
		dn = normalizeDN(dn)
		if dn == "" {
			continue
		}
		out[dn] = struct{}{}
	}
	return out
}

func normalizeDN(dn string) string {
	return strings.TrimSpace(dn)
}
