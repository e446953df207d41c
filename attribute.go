package p11cert

import (
	"bytes"
	"encoding/binary"

	"github.com/miekg/pkcs11"
)

// Attributes is an ordered attribute template. Order is kept as built,
// some modules are sensitive to it when creating objects.
type Attributes []*pkcs11.Attribute

// Add appends an attribute built with pkcs11.NewAttribute. Byte slices are
// copied so Zap never clears memory owned by the caller.
func (attributes *Attributes) Add(attrType uint, value interface{}) {
	if b, ok := value.([]byte); ok {
		value = append([]byte{}, b...)
	}
	*attributes = append(*attributes, pkcs11.NewAttribute(attrType, value))
}

// GetAttributeByType returns the first attribute of the given type.
func (attributes Attributes) GetAttributeByType(attrType uint) (*pkcs11.Attribute, bool) {
	for _, attr := range attributes {
		if attr.Type == attrType {
			return attr, true
		}
	}
	return nil, false
}

// Equals returns true if both templates hold the same attributes in the same order.
func (attributes Attributes) Equals(attributes2 Attributes) bool {
	if len(attributes) != len(attributes2) {
		return false
	}
	for i, attr := range attributes {
		if attr.Type != attributes2[i].Type || !bytes.Equal(attr.Value, attributes2[i].Value) {
			return false
		}
	}
	return true
}

// Zap overwrites every value with zeroes and empties the template.
func (attributes *Attributes) Zap() {
	for _, attr := range *attributes {
		for i := range attr.Value {
			attr.Value[i] = 0
		}
		attr.Value = nil
	}
	*attributes = (*attributes)[:0]
}

// bytesToUint decodes a CK_ULONG returned by the module, which uses the
// platform's native byte order and width.
func bytesToUint(value []byte) (uint, bool) {
	switch len(value) {
	case 8:
		return uint(binary.NativeEndian.Uint64(value)), true
	case 4:
		return uint(binary.NativeEndian.Uint32(value)), true
	default:
		return 0, false
	}
}
