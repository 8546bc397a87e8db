// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build !linux && !windows
// +build !linux,!windows

package certstore

import "github.com/gravitational/trace"

func openPlatformStore() (Store, error) {
	return nil, trace.NotImplemented("almacen del sistema no soportado en esta plataforma")
}
