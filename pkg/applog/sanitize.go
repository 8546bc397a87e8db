// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package applog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MaskID shortens an identifier (serial, fingerprint) for log lines.
func MaskID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "-"
	}
	if len(v) <= 10 {
		return v
	}
	return v[:6] + "..." + v[len(v)-4:]
}

func Digest12(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:12]
}

// SecretMeta renders a secret (PIN, passphrase) as length plus digest,
// never the value itself.
func SecretMeta(label string, raw string) string {
	return fmt.Sprintf("%s[len=%d sha12=%s]", label, len(raw), Digest12(raw))
}

func BytesMeta(label string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s[len=%d sha12=%s]", label, len(raw), hex.EncodeToString(sum[:])[:12])
}
