// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config drives one probe run against a server that requests a client
// certificate.
type Config struct {
	// Target is the URL to probe: https:// or wss://.
	Target string `yaml:"target"`

	// Mode selects where candidate identities come from: "manual" uses
	// the identity section, "auto" enumerates the system store.
	Mode string `yaml:"mode"`

	Identity IdentityConfig `yaml:"identity"`
	Store    StoreConfig    `yaml:"store"`

	// Intermediates lists PEM files with CA certificates used to
	// complete the selected certificate's chain.
	Intermediates []string `yaml:"intermediates"`

	// ServerCA optionally pins the server's CA (PEM file). Empty means
	// the system trust roots.
	ServerCA string `yaml:"serverCa"`

	// Insecure skips server certificate verification. Probe use only.
	Insecure bool `yaml:"insecure"`

	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig points at a PEM certificate/key pair (manual mode).
type IdentityConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// StoreConfig tunes system store enumeration (auto mode).
type StoreConfig struct {
	IncludePKCS11 bool     `yaml:"includePkcs11"`
	PKCS11Modules []string `yaml:"pkcs11Modules"`
	PKCS11PIN     string   `yaml:"pkcs11Pin"`
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return trace.BadParameter("config: falta target")
	}
	u, err := url.Parse(c.Target)
	if err != nil {
		return trace.Wrap(err, "config: target invalido")
	}
	switch u.Scheme {
	case "https", "wss":
	default:
		return trace.BadParameter("config: esquema %q no soportado (https o wss)", u.Scheme)
	}

	switch c.Mode {
	case "", "auto":
		c.Mode = "auto"
	case "manual":
		if c.Identity.Cert == "" {
			return trace.BadParameter("config: modo manual requiere identity.cert")
		}
	default:
		return trace.BadParameter("config: modo %q no soportado (auto o manual)", c.Mode)
	}

	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return nil
}

// parseConfig parses and validates a configuration file.
func parseConfig(configPath string) (*Config, error) {
	klog.V(2).Infof("[Probe] leyendo configuracion; path=%q", configPath)

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, trace.Wrap(err, "config: lectura")
	}

	var c Config
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, trace.Wrap(err, "config: analisis")
	}
	if err := c.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}
