package p11cert

import (
	"crypto"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"hash"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/sha3"
)

// Digests used by the signature algorithms a certificate may carry. Ed25519,
// RSASSA-PSS and unknown algorithms have no entry.
var signatureDigests = map[string]crypto.Hash{
	"1.2.840.113549.1.1.4":    crypto.MD5,    // md5WithRSAEncryption
	"1.2.840.113549.1.1.5":    crypto.SHA1,   // sha1WithRSAEncryption
	"1.3.14.3.2.29":           crypto.SHA1,   // sha1WithRSASignature (OIW)
	"1.2.840.113549.1.1.14":   crypto.SHA224, // sha224WithRSAEncryption
	"1.2.840.113549.1.1.11":   crypto.SHA256,
	"1.2.840.113549.1.1.12":   crypto.SHA384,
	"1.2.840.113549.1.1.13":   crypto.SHA512,
	"1.2.840.10040.4.3":       crypto.SHA1, // dsa-with-sha1
	"2.16.840.1.101.3.4.3.1":  crypto.SHA224,
	"2.16.840.1.101.3.4.3.2":  crypto.SHA256,
	"2.16.840.1.101.3.4.3.3":  crypto.SHA384,
	"2.16.840.1.101.3.4.3.4":  crypto.SHA512,
	"2.16.840.1.101.3.4.3.5":  crypto.SHA3_224, // id-dsa-with-sha3-224
	"2.16.840.1.101.3.4.3.6":  crypto.SHA3_256,
	"2.16.840.1.101.3.4.3.7":  crypto.SHA3_384,
	"2.16.840.1.101.3.4.3.8":  crypto.SHA3_512,
	"2.16.840.1.101.3.4.3.9":  crypto.SHA3_224, // id-ecdsa-with-sha3-224
	"2.16.840.1.101.3.4.3.10": crypto.SHA3_256,
	"2.16.840.1.101.3.4.3.11": crypto.SHA3_384,
	"2.16.840.1.101.3.4.3.12": crypto.SHA3_512,
	"2.16.840.1.101.3.4.3.13": crypto.SHA3_224, // id-rsassa-pkcs1-v1_5-with-sha3-224
	"2.16.840.1.101.3.4.3.14": crypto.SHA3_256,
	"2.16.840.1.101.3.4.3.15": crypto.SHA3_384,
	"2.16.840.1.101.3.4.3.16": crypto.SHA3_512,
	"1.2.840.10045.4.1":       crypto.SHA1, // ecdsa-with-SHA1
	"1.2.840.10045.4.3.1":     crypto.SHA224,
	"1.2.840.10045.4.3.2":     crypto.SHA256,
	"1.2.840.10045.4.3.3":     crypto.SHA384,
	"1.2.840.10045.4.3.4":     crypto.SHA512,
}

// digestMechanisms maps digests to their token mechanism. Anything not
// listed falls back to SHA-1.
var digestMechanisms = map[crypto.Hash]uint{
	crypto.SHA1:     pkcs11.CKM_SHA_1,
	crypto.SHA224:   pkcs11.CKM_SHA224,
	crypto.SHA256:   pkcs11.CKM_SHA256,
	crypto.SHA384:   pkcs11.CKM_SHA384,
	crypto.SHA512:   pkcs11.CKM_SHA512,
	crypto.SHA3_224: pkcs11.CKM_SHA3_224,
	crypto.SHA3_256: pkcs11.CKM_SHA3_256,
	crypto.SHA3_384: pkcs11.CKM_SHA3_384,
	crypto.SHA3_512: pkcs11.CKM_SHA3_512,
}

// SignatureAlgorithmOID extracts the outer signature algorithm of a DER certificate.
func SignatureAlgorithmOID(der []byte) (asn1.ObjectIdentifier, bool) {
	input := cryptobyte.String(der)
	var certificate, tbs, sigAlg cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !input.ReadASN1(&certificate, cbasn1.SEQUENCE) ||
		!certificate.ReadASN1(&tbs, cbasn1.SEQUENCE) ||
		!certificate.ReadASN1(&sigAlg, cbasn1.SEQUENCE) ||
		!sigAlg.ReadASN1ObjectIdentifier(&oid) {
		return nil, false
	}
	return oid, true
}

// SignatureDigest returns the digest of the certificate's signature
// algorithm, if the algorithm is known and uses one.
func SignatureDigest(cert *x509.Certificate) (crypto.Hash, bool) {
	oid, ok := SignatureAlgorithmOID(cert.Raw)
	if !ok {
		return 0, false
	}
	h, ok := signatureDigests[oid.String()]
	return h, ok
}

// DigestMechanism returns the token digest mechanism for h together with the
// digest that mechanism stands for. Unmapped digests select SHA-1.
func DigestMechanism(h crypto.Hash) (uint, crypto.Hash) {
	if mechanism, ok := digestMechanisms[h]; ok {
		return mechanism, h
	}
	return pkcs11.CKM_SHA_1, crypto.SHA1
}

// CertificateDigest selects the name hash algorithm for cert.
func CertificateDigest(cert *x509.Certificate) (uint, crypto.Hash) {
	h, _ := SignatureDigest(cert)
	return DigestMechanism(h)
}

func newHash(h crypto.Hash) (hash.Hash, bool) {
	switch h {
	case crypto.MD5:
		return md5.New(), true
	case crypto.SHA1:
		return sha1.New(), true
	case crypto.SHA224:
		return sha256.New224(), true
	case crypto.SHA256:
		return sha256.New(), true
	case crypto.SHA384:
		return sha512.New384(), true
	case crypto.SHA512:
		return sha512.New(), true
	case crypto.SHA3_224:
		return sha3.New224(), true
	case crypto.SHA3_256:
		return sha3.New256(), true
	case crypto.SHA3_384:
		return sha3.New384(), true
	case crypto.SHA3_512:
		return sha3.New512(), true
	default:
		return nil, false
	}
}

// PublicKeyDigest hashes the subject public key bit string of cert, the
// value stored in CKA_HASH_OF_SUBJECT_PUBLIC_KEY.
func PublicKeyDigest(cert *x509.Certificate, h crypto.Hash) ([]byte, bool) {
	input := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var spki, algorithm cryptobyte.String
	var publicKey asn1.BitString
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!spki.ReadASN1BitString(&publicKey) {
		return nil, false
	}
	hasher, ok := newHash(h)
	if !ok {
		return nil, false
	}
	hasher.Write(publicKey.Bytes)
	return hasher.Sum(nil), true
}
