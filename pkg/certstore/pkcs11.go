// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build linux && cgo
// +build linux,cgo

package certstore

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"

	"clientcert-provider/pkg/applog"

	"github.com/gravitational/trace"
	"github.com/miekg/pkcs11"
	"k8s.io/klog/v2"
)

// openPKCS11Store opens every reachable PKCS#11 module (DNIe, smart
// cards) as a single store. Modules that fail to load are skipped.
func openPKCS11Store(moduleHints []string, pin string) (Store, error) {
	store := &pkcs11Store{pin: pin}

	for _, modulePath := range normalizePKCS11ModulePaths(moduleHints) {
		if _, err := os.Stat(modulePath); err != nil {
			continue // Module not found, try next
		}
		ctx := pkcs11.New(modulePath)
		if ctx == nil {
			continue
		}
		if err := ctx.Initialize(); err != nil {
			ctx.Destroy()
			continue
		}
		store.modules = append(store.modules, &p11module{path: modulePath, ctx: ctx, refs: 1})
	}

	if len(store.modules) == 0 {
		return nil, trace.NotFound("ningun modulo PKCS#11 disponible")
	}
	return store, nil
}

func normalizePKCS11ModulePaths(moduleHints []string) []string {
	if len(moduleHints) > 0 {
		out := make([]string, 0, len(moduleHints))
		seen := make(map[string]struct{}, len(moduleHints))
		for _, raw := range moduleHints {
			p := strings.TrimSpace(raw)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
		if len(out) > 0 {
			return out
		}
	}

	// Common PKCS#11 module paths
	return []string{
		"/usr/lib/opensc-pkcs11.so",                  // OpenSC (DNIe)
		"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so", // Ubuntu/Debian
		"/usr/lib64/opensc-pkcs11.so",                // Fedora/RHEL
		"/usr/lib/pkcs11/opensc-pkcs11.so",           // Generic
		"/usr/local/lib/opensc-pkcs11.so",            // Custom install
	}
}

// p11module is a refcounted loaded PKCS#11 module. The store holds one
// reference; every identity detached from the store holds another, so a
// selected identity's session survives the store's Close.
type p11module struct {
	path string
	ctx  *pkcs11.Ctx
	mu   sync.Mutex
	refs int
}

func (m *p11module) acquire() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

func (m *p11module) release() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		_ = m.ctx.Finalize()
		m.ctx.Destroy()
	}
}

type pkcs11Store struct {
	modules []*p11module
	pin     string
	closed  bool
}

func (s *pkcs11Store) Identities() ([]Identity, error) {
	if s.closed {
		return nil, trace.BadParameter("almacen cerrado")
	}

	var out []Identity
	for _, mod := range s.modules {
		ids, err := enumerateModuleIdentities(mod, s.pin)
		if err != nil {
			klog.V(1).Infof("[CertStore] pkcs11 module %s: %v", mod.path, err)
			continue
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (s *pkcs11Store) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, mod := range s.modules {
		mod.release()
	}
	s.modules = nil
}

func enumerateModuleIdentities(mod *p11module, pin string) ([]Identity, error) {
	slots, err := mod.ctx.GetSlotList(true)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out []Identity
	for _, slot := range slots {
		session, err := mod.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
		if err != nil {
			continue
		}

		certs := findSlotCertificates(mod.ctx, session)
		_ = mod.ctx.CloseSession(session)

		for _, sc := range certs {
			klog.V(2).Infof("[CertStore] pkcs11 slot %d: CN=%q %s",
				slot, sc.cert.Subject.CommonName, applog.BytesMeta("cka_id", sc.keyID))
			mod.acquire()
			out = append(out, &pkcs11Identity{
				module: mod,
				slot:   slot,
				cert:   sc.cert,
				keyID:  sc.keyID,
				pin:    pin,
			})
		}
	}
	return out, nil
}

type slotCert struct {
	cert  *x509.Certificate
	keyID []byte
}

const findObjectsBatch = 32

// drainObjects exhausts a FindObjects cursor. A single call returns at
// most its batch size, so tokens with more objects than one batch need
// the loop until an empty batch comes back.
func drainObjects(find func(max int) ([]pkcs11.ObjectHandle, error)) []pkcs11.ObjectHandle {
	var out []pkcs11.ObjectHandle
	for {
		batch, err := find(findObjectsBatch)
		if err != nil || len(batch) == 0 {
			return out
		}
		out = append(out, batch...)
	}
}

func findSlotCertificates(ctx *pkcs11.Ctx, session pkcs11.SessionHandle) []slotCert {
	if err := ctx.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}); err != nil {
		return nil
	}
	objects := drainObjects(func(max int) ([]pkcs11.ObjectHandle, error) {
		batch, _, err := ctx.FindObjects(session, max)
		return batch, err
	})
	_ = ctx.FindObjectsFinal(session)

	var out []slotCert
	for _, obj := range objects {
		attrs, err := ctx.GetAttributeValue(session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 2 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		out = append(out, slotCert{cert: cert, keyID: attrs[1].Value})
	}
	return out
}

// pkcs11Identity is one token certificate with a key reachable by CKA_ID.
// Its signing session is opened lazily and owned by the identity.
type pkcs11Identity struct {
	module *p11module
	slot   uint
	cert   *x509.Certificate
	keyID  []byte

	session  pkcs11.SessionHandle
	keyObj   pkcs11.ObjectHandle
	hasSess  bool
	loggedIn bool
	pin      string
	closed   bool
}

func (p *pkcs11Identity) Certificate() (*x509.Certificate, error) {
	return p.cert, nil
}

func (p *pkcs11Identity) Signer() (crypto.Signer, error) {
	if p.closed {
		return nil, trace.BadParameter("identidad cerrada")
	}
	if !p.hasSess {
		session, err := p.module.ctx.OpenSession(p.slot, pkcs11.CKF_SERIAL_SESSION)
		if err != nil {
			return nil, trace.Wrap(err, "apertura de sesion PKCS#11 fallida")
		}
		keyObj, err := findPrivateKeyByID(p.module.ctx, session, p.keyID)
		if err != nil {
			_ = p.module.ctx.CloseSession(session)
			return nil, trace.Wrap(err)
		}
		p.session = session
		p.keyObj = keyObj
		p.hasSess = true
	}
	return &pkcs11Signer{identity: p}, nil
}

func (p *pkcs11Identity) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.hasSess {
		if p.loggedIn {
			_ = p.module.ctx.Logout(p.session)
		}
		_ = p.module.ctx.CloseSession(p.session)
		p.hasSess = false
	}
	p.module.release()
}

func findPrivateKeyByID(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyID []byte) (pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}); err != nil {
		return 0, trace.Wrap(err)
	}
	objects, _, err := ctx.FindObjects(session, 1)
	_ = ctx.FindObjectsFinal(session)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(objects) == 0 {
		return 0, trace.NotFound("clave privada no encontrada en el token")
	}
	return objects[0], nil
}

// pkcs11Signer signs through the identity's token session.
type pkcs11Signer struct {
	identity *pkcs11Identity
}

func (s *pkcs11Signer) Public() crypto.PublicKey {
	return s.identity.cert.PublicKey
}

func (s *pkcs11Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	id := s.identity
	if id.closed || !id.hasSess {
		return nil, trace.BadParameter("sesion PKCS#11 no disponible")
	}
	ctx := id.module.ctx

	plan, err := planSignature(id.cert.PublicKey, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if id.pin != "" && !id.loggedIn {
		if err := ctx.Login(id.session, pkcs11.CKU_USER, id.pin); err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			klog.V(1).Infof("[CertStore] pkcs11 login previo a firma fallo: %v", err)
		} else {
			id.loggedIn = true
		}
	}

	var dataToSign []byte
	switch plan.scheme {
	case schemeRSAPKCS1:
		// CKM_RSA_PKCS only applies PKCS#1 v1.5 padding; the ASN.1
		// DigestInfo prefix must be prepended here.
		dataToSign = append(plan.prefix[:len(plan.prefix):len(plan.prefix)], digest...)
		if err := ctx.SignInit(id.session, []*pkcs11.Mechanism{
			pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil),
		}, id.keyObj); err != nil {
			return nil, trace.Wrap(err, "SignInit CKM_RSA_PKCS fallido")
		}
	case schemeRSAPSS:
		// TLS 1.3 path: the server verifies RSA-PSS, so the token must
		// apply PSS padding itself.
		hashMech, mgf, err := pssMechanism(plan.hash)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		params := pkcs11.NewPSSParams(hashMech, mgf, uint(plan.saltLen))
		dataToSign = digest
		if err := ctx.SignInit(id.session, []*pkcs11.Mechanism{
			pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params),
		}, id.keyObj); err != nil {
			return nil, trace.Wrap(err, "SignInit CKM_RSA_PKCS_PSS fallido")
		}
	case schemeECDSA:
		dataToSign = digest
		if err := ctx.SignInit(id.session, []*pkcs11.Mechanism{
			pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil),
		}, id.keyObj); err != nil {
			return nil, trace.Wrap(err, "SignInit CKM_ECDSA fallido")
		}
	default:
		return nil, trace.BadParameter("esquema de firma no resuelto")
	}

	sig, err := ctx.Sign(id.session, dataToSign)
	if err != nil {
		return nil, trace.Wrap(err, "firma PKCS#11 fallida")
	}
	if plan.scheme == schemeECDSA {
		// CKM_ECDSA yields raw r||s; crypto.Signer consumers expect DER.
		return ecdsaRawToDER(sig)
	}
	return sig, nil
}

func pssMechanism(hash crypto.Hash) (uint, uint, error) {
	switch hash {
	case crypto.SHA256:
		return pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, nil
	case crypto.SHA384:
		return pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, nil
	case crypto.SHA512:
		return pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, nil
	}
	return 0, 0, trace.BadParameter("hash %v sin mecanismo PSS", hash)
}

func ecdsaRawToDER(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, trace.BadParameter("firma ECDSA de longitud invalida %d", len(sig))
	}
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	der, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return der, nil
}
