// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build linux
// +build linux

package certstore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// openPlatformStore opens the NSS user database (Firefox, Chrome on
// Linux) as a read-only store.
func openPlatformStore() (Store, error) {
	dbPath := filepath.Join(os.Getenv("HOME"), ".pki/nssdb")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, trace.Wrap(err, "base de datos NSS no disponible")
	}
	return &nssStore{dbPath: dbPath}, nil
}

type nssStore struct {
	dbPath string
}

func (s *nssStore) Identities() ([]Identity, error) {
	// certutil lists nicknames with trust attributes; 'u' marks entries
	// with a private key (user certificates).
	cmd := exec.Command("certutil", "-L", "-d", "sql:"+s.dbPath)
	output, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "certutil fallo")
	}

	var out []Identity
	seen := make(map[string]bool)

	lines := strings.Split(string(output), "\n")
	for i, line := range lines {
		// Skip header lines.
		if i < 2 || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		trustAttrs := parts[len(parts)-1]
		nickname := strings.TrimSpace(strings.Join(parts[:len(parts)-1], " "))
		if nickname == "" || nickname == "(NULL)" {
			continue
		}
		if !strings.Contains(trustAttrs, "u") {
			continue
		}

		cert, err := s.certificateByNickname(nickname)
		if err != nil {
			continue
		}
		fp := Fingerprint(cert)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, &nssIdentity{cert: cert, nickname: nickname})
	}

	return out, nil
}

func (s *nssStore) certificateByNickname(nickname string) (*x509.Certificate, error) {
	cmd := exec.Command("certutil", "-L", "-d", "sql:"+s.dbPath, "-n", nickname, "-a")
	output, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "exportacion del certificado %q fallo", nickname)
	}
	block, _ := pem.Decode(output)
	if block == nil {
		return nil, trace.BadParameter("certificado %q sin bloque PEM", nickname)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

func (s *nssStore) Close() {}

// nssIdentity is an NSS database entry. Its private key stays inside the
// NSS softoken; it is reachable only through the softoken's PKCS#11
// module, so this identity exposes no in-process signer.
type nssIdentity struct {
	cert     *x509.Certificate
	nickname string
}

func (n *nssIdentity) Certificate() (*x509.Certificate, error) {
	return n.cert, nil
}

func (n *nssIdentity) Signer() (crypto.Signer, error) {
	return nil, ErrNoPrivateKey(n.nickname)
}

func (n *nssIdentity) Close() {}
