package storage

import (
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no snapshot was saved for a token.
var ErrNotFound = errors.New("snapshot not found")

type CertificateStorage interface {
	// Executes the logic necessary to initialize the storage.
	InitStorage() error

	// Replaces the saved snapshot of the snapshot's token.
	SaveCertificates(*Snapshot) error

	// Retrieves the last snapshot saved for a token label, or ErrNotFound.
	GetCertificates(string) (*Snapshot, error)

	// Finalizes the use of the storage. The storage is not usable
	// If this method is called.
	CloseStorage() error
}

// A Snapshot is the certificate inventory of a token at a point in time.
type Snapshot struct {
	ID           string               `cbor:"1,keyasint"`
	TokenLabel   string               `cbor:"2,keyasint"`
	Taken        time.Time            `cbor:"3,keyasint"`
	Certificates []*CertificateRecord `cbor:"4,keyasint"`
}

// A CertificateRecord is a certificate object as it was found on the token.
type CertificateRecord struct {
	Handle   uint   `cbor:"1,keyasint"`
	ID       []byte `cbor:"2,keyasint"`
	Label    string `cbor:"3,keyasint"`
	HasLabel bool   `cbor:"4,keyasint"`
	Value    []byte `cbor:"5,keyasint"`
}
