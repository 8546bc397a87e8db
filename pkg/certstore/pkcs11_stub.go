// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build !linux || !cgo
// +build !linux !cgo

package certstore

import "github.com/gravitational/trace"

func openPKCS11Store(moduleHints []string, pin string) (Store, error) {
	return nil, trace.NotImplemented("soporte PKCS#11 no disponible en esta compilacion")
}
