package p11cert

import (
	"bytes"
	"crypto/x509"
	"log"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// MaxIDLength is the capacity of a certificate's identity buffer.
const MaxIDLength = 255

// Certificate is an X.509 certificate object found on a token.
// Only the object handle changes after creation, and only through Reload.
type Certificate struct {
	token  *Token
	object pkcs11.ObjectHandle
	id     [MaxIDLength]byte
	idLen  int
	label  *string
	x509   *x509.Certificate
}

// Token returns the token the certificate was found on.
func (cert *Certificate) Token() *Token {
	return cert.token
}

// Handle returns the object handle, valid while the module's view of the
// token is unchanged.
func (cert *Certificate) Handle() pkcs11.ObjectHandle {
	return cert.object
}

// ID returns the CKA_ID of the object. The slice aliases the record and
// must not be modified.
func (cert *Certificate) ID() []byte {
	return cert.id[:cert.idLen:cert.idLen]
}

func (cert *Certificate) Label() string {
	if cert.label == nil {
		return ""
	}
	return *cert.label
}

// HasLabel tells an empty label apart from a missing one.
func (cert *Certificate) HasLabel() bool {
	return cert.label != nil
}

// X509 returns the decoded certificate, or nil when the object value was
// missing or could not be parsed.
func (cert *Certificate) X509() *x509.Certificate {
	return cert.x509
}

func (cert *Certificate) release() {
	cert.x509 = nil
	cert.label = nil
	cert.id = [MaxIDLength]byte{}
	cert.idLen = 0
	cert.token = nil
}

// EnumerateCertificates adds every X.509 certificate object on the token
// that is not cached yet, and returns the cache. On failure the whole cache
// is destroyed.
func (token *Token) EnumerateCertificates() ([]*Certificate, error) {
	slot := token.slot
	session, err := slot.GetSession(false)
	if err != nil {
		return nil, err
	}
	err = token.findCerts(session)
	slot.ReleaseSession(session, err)
	if err != nil {
		token.DestroyCertificates()
		return nil, err
	}
	log.Printf("token %q: %d certificates", token.Label, token.certs.Len())
	return token.certs.Certificates(), nil
}

// FindCertificate returns the first certificate whose CKA_ID equals keyID,
// or nil when there is none. The token is enumerated again on every call.
func (token *Token) FindCertificate(keyID []byte) (*Certificate, error) {
	certs, err := token.EnumerateCertificates()
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		if cert.idLen == len(keyID) && bytes.Equal(cert.ID(), keyID) {
			return cert, nil
		}
	}
	return nil, nil
}

func (token *Token) findCerts(session *Session) error {
	var template Attributes
	template.Add(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)
	if err := session.FindObjectsInit(template); err != nil {
		return err
	}
	var err error
	for {
		var done bool
		if done, err = token.nextCert(session); done || err != nil {
			break
		}
	}
	if finalErr := session.FindObjectsFinal(); finalErr != nil {
		log.Printf("token %q: finishing certificate search: %v", token.Label, finalErr)
	}
	return err
}

// nextCert materializes the next search result. It returns true once the
// search is exhausted.
func (token *Token) nextCert(session *Session) (bool, error) {
	handles, err := session.FindObjects(1)
	if err != nil {
		return false, err
	}
	if len(handles) == 0 {
		return true, nil
	}
	_, err = token.initCert(session, handles[0])
	return false, err
}

// initCert reads a certificate object into the cache. Objects that are not
// X.509 certificates yield nil, already cached handles yield the cached record.
func (token *Token) initCert(session *Session, handle pkcs11.ObjectHandle) (*Certificate, error) {
	certType, err := session.GetAttributeUint(handle, pkcs11.CKA_CERTIFICATE_TYPE)
	if err != nil {
		return nil, err
	}
	if certType != pkcs11.CKC_X_509 {
		return nil, nil
	}
	if cached, ok := token.certs.ByHandle(handle); ok {
		return cached, nil
	}

	cert := &Certificate{
		token:  token,
		object: handle,
	}
	if id, ok := session.GetAttributeFixed(handle, pkcs11.CKA_ID, MaxIDLength); ok {
		cert.idLen = copy(cert.id[:], id)
	}
	if label, ok := session.GetAttributeAlloc(handle, pkcs11.CKA_LABEL); ok {
		s := string(label)
		cert.label = &s
	}
	if value, ok := session.GetAttributeAlloc(handle, pkcs11.CKA_VALUE); ok {
		parsed, err := x509.ParseCertificate(value)
		if err != nil {
			log.Printf("token %q: object %d: cannot decode certificate: %v", token.Label, handle, err)
		} else {
			cert.x509 = parsed
		}
	}
	token.certs.Append(cert)
	return cert, nil
}

// Reload looks the certificate object up again by class, CKA_ID and
// CKA_LABEL, and updates the handle when exactly one object matches and no
// other cached certificate holds it. Otherwise it returns
// ErrCertificateNotUnique and the handle is kept.
func (cert *Certificate) Reload() error {
	if cert.token == nil {
		return NewError("Certificate.Reload", "certificate was destroyed", pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	slot := cert.token.slot
	session, err := slot.GetSession(false)
	if err != nil {
		return err
	}

	var template Attributes
	defer template.Zap()
	template.Add(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)
	if cert.idLen > 0 {
		template.Add(pkcs11.CKA_ID, cert.ID())
	}
	if cert.label != nil {
		template.Add(pkcs11.CKA_LABEL, *cert.label)
	}

	var handles []pkcs11.ObjectHandle
	if err = session.FindObjectsInit(template); err == nil {
		handles, err = session.FindObjects(2)
		if finalErr := session.FindObjectsFinal(); err == nil {
			err = finalErr
		}
	}
	slot.ReleaseSession(session, err)
	if err != nil {
		return err
	}
	if len(handles) != 1 {
		return errors.Wrapf(ErrCertificateNotUnique, "Certificate.Reload: %d objects match", len(handles))
	}
	if owner, ok := cert.token.certs.ByHandle(handles[0]); ok && owner != cert {
		return errors.Wrapf(ErrCertificateNotUnique, "Certificate.Reload: object %d belongs to another certificate", handles[0])
	}
	cert.token.certs.rehandle(cert, handles[0])
	return nil
}

// Remove destroys the certificate object on the token. The cached record
// stays in the cache until it is destroyed or the token is enumerated anew.
func (cert *Certificate) Remove() error {
	if cert.token == nil {
		return NewError("Certificate.Remove", "certificate was destroyed", pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	slot := cert.token.slot
	session, err := slot.GetSession(true)
	if err != nil {
		return err
	}
	err = session.DestroyObject(cert.object)
	slot.ReleaseSession(session, err)
	return err
}

// StoreCertificate creates a certificate object on the token and returns its
// cached record. An empty label or id leaves the attribute out.
func (token *Token) StoreCertificate(cert *x509.Certificate, label string, id []byte) (*Certificate, error) {
	if cert == nil {
		return nil, NewError("Token.StoreCertificate", "got nil certificate", pkcs11.CKR_ARGUMENTS_BAD)
	}
	if len(id) > MaxIDLength {
		return nil, NewError("Token.StoreCertificate", "id longer than 255 bytes", pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
	}
	slot := token.slot
	session, err := slot.GetSession(true)
	if err != nil {
		return nil, err
	}

	template := CertificateTemplate(cert, label, id)
	handle, err := session.CreateObject(template)
	template.Zap()

	var stored *Certificate
	if err == nil {
		stored, err = token.initCert(session, handle)
	}
	slot.ReleaseSession(session, err)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// CertificateTemplate builds the creation template for cert. The attribute
// order is fixed, as some modules depend on it.
func CertificateTemplate(cert *x509.Certificate, label string, id []byte) Attributes {
	mechanism, digest := CertificateDigest(cert)

	var template Attributes
	template.Add(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)
	template.Add(pkcs11.CKA_TOKEN, true)
	template.Add(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509)
	template.Add(pkcs11.CKA_SUBJECT, cert.RawSubject)
	template.Add(pkcs11.CKA_ISSUER, cert.RawIssuer)
	template.Add(pkcs11.CKA_NAME_HASH_ALGORITHM, mechanism)
	if md, ok := PublicKeyDigest(cert, digest); ok {
		template.Add(pkcs11.CKA_HASH_OF_SUBJECT_PUBLIC_KEY, md)
	}
	template.Add(pkcs11.CKA_VALUE, cert.Raw)
	if label != "" {
		template.Add(pkcs11.CKA_LABEL, label)
	}
	if len(id) > 0 {
		template.Add(pkcs11.CKA_ID, id)
	}
	return template
}
