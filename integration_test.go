//go:build softhsm
// +build softhsm

package p11cert

// These tests depend on SoftHSM and the library being in
// /usr/lib/softhsm/libsofthsm2.so, with an initialized token.

import (
	"bytes"
	"os"
	"testing"
)

var (
	softhsmModule = "/usr/lib/softhsm/libsofthsm2.so"
	softhsmLabel  = "TCBHSM"
	softhsmPin    = "1234"
)

/*
This test supports the following environment variables:

* PKCS11_LIB: complete path to HSM Library
* PKCS11_TOKENLABEL
* PKCS11_PIN
*/

func setenv(t *testing.T) *Token {
	if x := os.Getenv("PKCS11_LIB"); x != "" {
		softhsmModule = x
	}
	if x := os.Getenv("PKCS11_TOKENLABEL"); x != "" {
		softhsmLabel = x
	}
	if x := os.Getenv("PKCS11_PIN"); x != "" {
		softhsmPin = x
	}
	t.Logf("loading %s", softhsmModule)
	conf := &Config{
		Criptoki: CriptokiConfig{
			ModulePath:      softhsmModule,
			TokenLabel:      softhsmLabel,
			Pin:             softhsmPin,
			MaxSessionCount: DefaultMaxSessionCount,
		},
	}
	app, err := NewApplication(conf)
	if err != nil {
		t.Fatalf("init error %s\n", err)
	}
	t.Cleanup(func() { _ = app.Finalize() })
	token, err := app.GetToken(softhsmLabel)
	if err != nil {
		t.Fatalf("token %s\n", err)
	}
	return token
}

func TestSoftHSMStoreFindRemove(t *testing.T) {
	token := setenv(t)
	id := NewCertificateID()
	cert := newECCert(t, "softhsm")

	if _, err := token.StoreCertificate(cert, "p11cert-test", id); err != nil {
		t.Fatalf("store %s\n", err)
	}

	token.DestroyCertificates()
	found, err := token.FindCertificate(id)
	if err != nil {
		t.Fatalf("find %s\n", err)
	}
	if found == nil {
		t.Fatalf("stored certificate not found")
	}
	if found.Label() != "p11cert-test" || !bytes.Equal(found.ID(), id) {
		t.Errorf("unexpected certificate %q %x", found.Label(), found.ID())
	}
	if !found.X509().Equal(cert) {
		t.Errorf("value does not decode to the stored certificate")
	}
	if err := found.Reload(); err != nil {
		t.Errorf("reload %s\n", err)
	}
	if err := found.Remove(); err != nil {
		t.Fatalf("remove %s\n", err)
	}
	if err := found.Reload(); err == nil {
		t.Errorf("removed certificate still on the token")
	}
}

func TestSoftHSMEnumerate(t *testing.T) {
	token := setenv(t)
	first, err := token.EnumerateCertificates()
	if err != nil {
		t.Fatalf("enumerate %s\n", err)
	}
	count := len(first)
	second, err := token.EnumerateCertificates()
	if err != nil {
		t.Fatalf("enumerate %s\n", err)
	}
	if len(second) != count {
		t.Errorf("enumerated %d then %d certificates", count, len(second))
	}
}
