package p11cert

import (
	"github.com/miekg/pkcs11"
)

// Session is an open PKCS#11 session borrowed from a slot pool.
type Session struct {
	Slot   *Slot
	Handle pkcs11.SessionHandle
	rw     bool

	// searching is set while an object search is initialized on the session.
	searching bool
}

func (session *Session) module() Module {
	return session.Slot.Application.Module
}

func (session *Session) IsReadWrite() bool {
	return session.rw
}

func (session *Session) FindObjectsInit(attrs Attributes) error {
	if err := session.module().FindObjectsInit(session.Handle, attrs); err != nil {
		return call("Session.FindObjectsInit", err)
	}
	session.searching = true
	return nil
}

func (session *Session) FindObjects(max int) ([]pkcs11.ObjectHandle, error) {
	handles, _, err := session.module().FindObjects(session.Handle, max)
	if err != nil {
		return nil, call("Session.FindObjects", err)
	}
	return handles, nil
}

func (session *Session) FindObjectsFinal() error {
	if err := session.module().FindObjectsFinal(session.Handle); err != nil {
		return call("Session.FindObjectsFinal", err)
	}
	session.searching = false
	return nil
}

// Saves an object on the token and returns its handle.
func (session *Session) CreateObject(attrs Attributes) (pkcs11.ObjectHandle, error) {
	if !session.rw {
		return 0, NewError("Session.CreateObject", "session is read only", pkcs11.CKR_SESSION_READ_ONLY)
	}
	handle, err := session.module().CreateObject(session.Handle, attrs)
	if err != nil {
		return 0, call("Session.CreateObject", err)
	}
	return handle, nil
}

func (session *Session) DestroyObject(handle pkcs11.ObjectHandle) error {
	if !session.rw {
		return NewError("Session.DestroyObject", "session is read only", pkcs11.CKR_SESSION_READ_ONLY)
	}
	return call("Session.DestroyObject", session.module().DestroyObject(session.Handle, handle))
}

// GetAttributeAlloc reads a variable length attribute. A missing or
// unreadable attribute is reported as absent, not as an error.
func (session *Session) GetAttributeAlloc(handle pkcs11.ObjectHandle, attrType uint) ([]byte, bool) {
	attrs, err := session.module().GetAttributeValue(session.Handle, handle,
		[]*pkcs11.Attribute{pkcs11.NewAttribute(attrType, nil)})
	if err != nil || len(attrs) == 0 || attrs[0].Value == nil {
		return nil, false
	}
	return attrs[0].Value, true
}

// GetAttributeFixed reads an attribute into a buffer of the given
// capacity. Values larger than the buffer are treated as absent.
func (session *Session) GetAttributeFixed(handle pkcs11.ObjectHandle, attrType uint, capacity int) ([]byte, bool) {
	value, ok := session.GetAttributeAlloc(handle, attrType)
	if !ok || len(value) > capacity {
		return nil, false
	}
	return value, true
}

// GetAttributeUint reads a CK_ULONG attribute. Unlike the other readers it
// surfaces the failure, for callers that cannot proceed without the value.
func (session *Session) GetAttributeUint(handle pkcs11.ObjectHandle, attrType uint) (uint, error) {
	attrs, err := session.module().GetAttributeValue(session.Handle, handle,
		[]*pkcs11.Attribute{pkcs11.NewAttribute(attrType, nil)})
	if err != nil {
		return 0, call("Session.GetAttributeUint", err)
	}
	if len(attrs) == 0 {
		return 0, NewError("Session.GetAttributeUint", "attribute not returned", pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
	}
	value, ok := bytesToUint(attrs[0].Value)
	if !ok {
		return 0, NewError("Session.GetAttributeUint", "attribute is not a CK_ULONG", pkcs11.CKR_ATTRIBUTE_VALUE_INVALID)
	}
	return value, nil
}
