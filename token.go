package p11cert

// A token present in one of the module's slots.
type Token struct {
	Label        string
	SerialNumber string
	slot         *Slot
	certs        CertCache
}

func NewToken(label, serialNumber string) *Token {
	return &Token{
		Label:        label,
		SerialNumber: serialNumber,
	}
}

// Returns the slot the token was inserted in.
func (token *Token) Slot() *Slot {
	return token.slot
}

// Certificates returns the cached certificates without contacting the token.
func (token *Token) Certificates() []*Certificate {
	return token.certs.Certificates()
}

// DestroyCertificates empties the certificate cache. It is safe to call on an empty cache.
func (token *Token) DestroyCertificates() {
	token.certs.Destroy()
}
