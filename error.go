package p11cert

import (
	"fmt"
	"log"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

var (
	// ErrCertificateNotUnique is returned when a reload search matches zero
	// or more than one certificate object.
	ErrCertificateNotUnique = errors.New("certificate object not found or not unique")

	// ErrTokenNotFound is returned when no slot holds a token with the requested label.
	ErrTokenNotFound = errors.New("token not found")

	// ErrStorageNotConfigured is returned by inventory operations when no
	// database type was configured.
	ErrStorageNotConfigured = errors.New("inventory storage not configured")
)

// P11Error is a failed call to the PKCS#11 module.
type P11Error struct {
	Who         string
	Description string
	Code        uint
}

func NewError(who, description string, code uint) *P11Error {
	return &P11Error{
		Who:         who,
		Description: description,
		Code:        code,
	}
}

func (err *P11Error) Error() string {
	return fmt.Sprintf("%s: %s", err.Who, err.Description)
}

// Unwrap exposes the module return value, so errors.Is works against pkcs11.Error values.
func (err *P11Error) Unwrap() error {
	return pkcs11.Error(err.Code)
}

// IsProtocolError returns the CK_RV carried by err, if any.
func IsProtocolError(err error) (uint, bool) {
	var p11Err *P11Error
	if errors.As(err, &p11Err) {
		return p11Err.Code, true
	}
	return 0, false
}

// call translates the result of a module call into a *P11Error and logs it.
func call(who string, err error) error {
	if err == nil {
		return nil
	}
	var code uint
	switch e := err.(type) {
	case pkcs11.Error:
		code = uint(e)
	case *P11Error:
		return e
	default:
		code = pkcs11.CKR_GENERAL_ERROR
	}
	p11Err := NewError(who, err.Error(), code)
	log.Printf("[%s] %s [Code 0x%X]\n", p11Err.Who, p11Err.Description, p11Err.Code)
	return p11Err
}
