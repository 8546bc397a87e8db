// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"clientcert-provider/pkg/applog"
	"clientcert-provider/pkg/certstore"
	"clientcert-provider/pkg/clientcert"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"k8s.io/klog/v2"
)

// buildProvider wires a selection provider from the probe configuration.
func buildProvider(c *Config) (*clientcert.Provider, error) {
	var opts []clientcert.Option
	if len(c.Intermediates) > 0 {
		pool, err := loadIntermediates(c.Intermediates)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		opts = append(opts, clientcert.WithIntermediates(pool...))
	}

	if c.Mode == "manual" {
		id, err := certstore.LoadIdentityFromPEM(c.Identity.Cert, c.Identity.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cert, err := id.Certificate()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		signer, _ := id.Signer()
		return clientcert.New([]clientcert.Candidate{{Certificate: cert, Signer: signer}}, opts...), nil
	}

	if c.Store.PKCS11PIN != "" {
		klog.V(1).Infof("[Probe] PIN de PKCS#11 configurado: %s", applog.SecretMeta("pin", c.Store.PKCS11PIN))
	}
	storeOpts := certstore.Options{
		IncludePKCS11:     c.Store.IncludePKCS11,
		PKCS11ModulePaths: c.Store.PKCS11Modules,
		PKCS11PIN:         c.Store.PKCS11PIN,
	}
	opts = append(opts, clientcert.WithStoreOpener(func() (certstore.Store, error) {
		return certstore.OpenSystemWithOptions(storeOpts)
	}))
	return clientcert.NewAutomatic(opts...), nil
}

// loadIntermediates reads every certificate from the given PEM files.
func loadIntermediates(paths []string) ([]*x509.Certificate, error) {
	var pool []*x509.Certificate
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.Wrap(err, "lectura de intermedios %q", path)
		}
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, trace.Wrap(err, "certificado invalido en %q", path)
			}
			pool = append(pool, cert)
		}
	}
	if len(pool) == 0 {
		return nil, trace.NotFound("ningun certificado intermedio encontrado")
	}
	return pool, nil
}

// runProbe connects to the target once, driving client certificate
// selection through the provider, and reports the result.
func runProbe(ctx context.Context, c *Config) error {
	provider, err := buildProvider(c)
	if err != nil {
		return trace.Wrap(err)
	}
	defer provider.Dispose()

	tlsCfg := &tls.Config{
		GetClientCertificate: provider.GetClientCertificate,
		InsecureSkipVerify:   c.Insecure,
	}
	if c.ServerCA != "" {
		pemCA, err := os.ReadFile(c.ServerCA)
		if err != nil {
			return trace.Wrap(err, "lectura de la CA del servidor")
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pemCA) {
			return trace.BadParameter("la CA del servidor %q no contiene certificados PEM", c.ServerCA)
		}
		tlsCfg.RootCAs = roots
	}

	u, err := url.Parse(c.Target)
	if err != nil {
		return trace.Wrap(err)
	}
	switch u.Scheme {
	case "wss":
		return probeWebSocket(ctx, c, tlsCfg)
	default:
		return probeHTTPS(ctx, c, tlsCfg)
	}
}

func probeHTTPS(ctx context.Context, c *Config, tlsCfg *tls.Config) error {
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   c.Timeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Target, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return trace.Wrap(err, "conexion HTTPS fallida")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	klog.Infof("[Probe] HTTPS %s -> %s", c.Target, resp.Status)
	logNegotiated(resp.TLS)
	return nil
}

func probeWebSocket(ctx context.Context, c *Config, tlsCfg *tls.Config) error {
	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: c.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.Target, nil)
	if err != nil {
		if resp != nil {
			return trace.Wrap(err, "conexion WSS fallida (HTTP %d)", resp.StatusCode)
		}
		return trace.Wrap(err, "conexion WSS fallida")
	}
	defer conn.Close()

	klog.Infof("[Probe] WSS %s -> conexion establecida", c.Target)
	if tlsConn, ok := conn.UnderlyingConn().(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		logNegotiated(&state)
	}
	return trace.Wrap(conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.Timeout)))
}

func logNegotiated(state *tls.ConnectionState) {
	if state == nil {
		return
	}
	klog.Infof("[Probe] TLS %s cifrado=0x%04x reanudada=%v",
		tls.VersionName(state.Version), state.CipherSuite, state.DidResume)
	for _, chain := range state.VerifiedChains {
		for _, cert := range chain {
			klog.V(1).Infof("[Probe] servidor: CN=%q huella=%s",
				cert.Subject.CommonName, applog.MaskID(certstore.Fingerprint(cert)))
		}
	}
}
