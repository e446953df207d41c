package p11cert

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/github/fakeca"
	"github.com/miekg/pkcs11"
	"github.com/niclabs/p11cert/internal/softtoken"
)

const (
	testSlot  uint = 0
	testLabel      = "TCBHSM"
	testPin        = "1234"
)

func testConfig() *Config {
	return &Config{
		Criptoki: CriptokiConfig{
			ModulePath:      "softtoken",
			Pin:             testPin,
			MaxSessionCount: 2,
		},
	}
}

func newTestModule() *softtoken.Module {
	m := softtoken.New()
	m.AddToken(testSlot, testLabel, "0001", testPin)
	return m
}

func loaderFor(m *softtoken.Module) ModuleLoader {
	return func(string) Module { return m }
}

func newTestApp(t *testing.T, m *softtoken.Module) *Application {
	t.Helper()
	app, err := NewApplicationWithLoader(testConfig(), loaderFor(m))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(func() { _ = app.Finalize() })
	return app
}

func newTestToken(t *testing.T, m *softtoken.Module) *Token {
	t.Helper()
	token, err := newTestApp(t, m).GetToken(testLabel)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	return token
}

// newECCert issues a self signed certificate with a P-256 key, signed with
// ecdsa-with-SHA256.
func newECCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return fakeca.New(fakeca.Subject(pkix.Name{CommonName: cn}), fakeca.PrivateKey(key)).Certificate
}

// newEd25519Cert issues a certificate whose signature algorithm carries no
// separate digest.
func newEd25519Cert(t *testing.T) *x509.Certificate {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return fakeca.New(fakeca.Subject(pkix.Name{CommonName: "ed25519"}), fakeca.PrivateKey(key)).Certificate
}

func addCertObject(m *softtoken.Module, certType uint, value []byte, id []byte, label *string) pkcs11.ObjectHandle {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, certType),
	}
	if value != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_VALUE, value))
	}
	if id != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	if label != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, *label))
	}
	return m.AddObject(testSlot, attrs...)
}

func strPtr(s string) *string {
	return &s
}
