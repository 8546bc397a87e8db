// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package version

const CurrentVersion = "0.1.0"

var (
	// Se pueden sobrescribir en compilacion con -ldflags:
	// -X clientcert-provider/pkg/version.BuildCommit=<hash>
	// -X clientcert-provider/pkg/version.BuildDate=<YYYY-MM-DDTHH:MM:SSZ>
	BuildCommit = "local"
	BuildDate   = "desconocida"
)
