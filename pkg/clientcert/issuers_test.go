// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package clientcert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type panicHandshake struct {
	fakeHandshake
}

func (p *panicHandshake) AcceptableIssuers() []string {
	panic("contexto nativo corrupto")
}

func TestExtractIssuerSetNilContext(t *testing.T) {
	set := ExtractIssuerSet(nil)
	require.True(t, set.Empty(), "contexto nulo equivale a ausencia de restriccion")
}

func TestExtractIssuerSetDeduplicatesAndTrims(t *testing.T) {
	hs := &fakeHandshake{issuers: []string{
		"CN=AC Uno,O=Prueba",
		"  CN=AC Uno,O=Prueba  ",
		"CN=AC Dos,O=Prueba",
		"",
		"   ",
	}}

	set := ExtractIssuerSet(hs)
	require.Len(t, set, 2)
	require.True(t, set.Contains("CN=AC Uno,O=Prueba"))
	require.True(t, set.Contains("  CN=AC Dos,O=Prueba"), "la busqueda normaliza espacios")
	require.False(t, set.Contains("CN=AC Tres,O=Prueba"))
}

func TestExtractIssuerSetRecoversFromPanic(t *testing.T) {
	set := ExtractIssuerSet(&panicHandshake{})
	require.True(t, set.Empty(), "un fallo de lectura degrada a conjunto vacio, nunca a panico")
}

func TestIssuerSetEmpty(t *testing.T) {
	require.True(t, IssuerSet{}.Empty())
	require.True(t, IssuerSet(nil).Empty())
	require.False(t, IssuerSet{"CN=AC": {}}.Empty())
}
