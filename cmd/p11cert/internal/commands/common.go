package commands

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/niclabs/p11cert"
	"github.com/pkg/errors"
)

// decodeID parses a hex encoded CKA_ID, accepting an optional 0x prefix.
func decodeID(s string) ([]byte, error) {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return nil, errors.New("empty id")
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid id %q", s)
	}
	if len(id) > p11cert.MaxIDLength {
		return nil, errors.Errorf("id longer than %d bytes", p11cert.MaxIDLength)
	}
	return id, nil
}

// readCertificate reads a PEM or DER encoded certificate file.
func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, errors.Errorf("%s: unexpected PEM block %q", path, block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cert, nil
}

func printCertificate(w io.Writer, cert *p11cert.Certificate) {
	subject := "-"
	if x := cert.X509(); x != nil {
		subject = x.Subject.String()
	}
	label := "-"
	if cert.HasLabel() {
		label = fmt.Sprintf("%q", cert.Label())
	}
	fmt.Fprintf(w, "handle=%d id=%x label=%s subject=%s\n", cert.Handle(), cert.ID(), label, subject)
}
