package p11cert

import (
	"log"
	"sync"

	"github.com/miekg/pkcs11"
)

// Slot is a module slot holding a token, with pools of idle read-only and
// read-write sessions.
type Slot struct {
	ID          uint
	Application *Application
	token       *Token
	roSessions  chan *Session
	rwSessions  chan *Session
	sessions    map[pkcs11.SessionHandle]*Session
	sync.Mutex
}

func NewSlot(app *Application, id uint, maxSessions int) *Slot {
	return &Slot{
		ID:          id,
		Application: app,
		roSessions:  make(chan *Session, maxSessions),
		rwSessions:  make(chan *Session, maxSessions),
		sessions:    make(map[pkcs11.SessionHandle]*Session),
	}
}

func (slot *Slot) IsTokenPresent() bool {
	return slot.token != nil
}

func (slot *Slot) GetToken() (*Token, error) {
	if slot.IsTokenPresent() {
		return slot.token, nil
	}
	return nil, NewError("Slot.GetToken", "token not present", pkcs11.CKR_TOKEN_NOT_PRESENT)
}

func (slot *Slot) InsertToken(token *Token) {
	slot.token = token
	token.slot = slot
}

func (slot *Slot) pool(rw bool) chan *Session {
	if rw {
		return slot.rwSessions
	}
	return slot.roSessions
}

// GetSession returns an idle pooled session of the requested kind, or opens
// a new one. It must be returned with PutSession.
func (slot *Slot) GetSession(rw bool) (*Session, error) {
	select {
	case session := <-slot.pool(rw):
		return session, nil
	default:
		return slot.OpenSession(rw)
	}
}

// PutSession hands a session back to the pool, closing it when the pool is full.
func (slot *Slot) PutSession(session *Session) {
	select {
	case slot.pool(session.rw) <- session:
	default:
		slot.CloseSession(session)
	}
}

// ReleaseSession returns a session after an operation that ended with err.
// Sessions the module no longer recognizes, sessions left with an active
// search and sessions on a failing device are closed instead of pooled.
func (slot *Slot) ReleaseSession(session *Session, err error) {
	if session.searching {
		slot.CloseSession(session)
		return
	}
	if code, ok := IsProtocolError(err); ok {
		switch code {
		case pkcs11.CKR_SESSION_CLOSED, pkcs11.CKR_SESSION_HANDLE_INVALID,
			pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_TOKEN_NOT_PRESENT,
			pkcs11.CKR_OPERATION_ACTIVE, pkcs11.CKR_DEVICE_ERROR:
			slot.CloseSession(session)
			return
		}
	}
	slot.PutSession(session)
}

func (slot *Slot) OpenSession(rw bool) (*Session, error) {
	module := slot.Application.Module
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if rw {
		flags |= pkcs11.CKF_RW_SESSION
	}
	handle, err := module.OpenSession(slot.ID, flags)
	if err != nil {
		return nil, call("Slot.OpenSession", err)
	}
	if pin := slot.Application.Config.Criptoki.Pin; pin != "" {
		err = module.Login(handle, pkcs11.CKU_USER, pin)
		if err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = module.CloseSession(handle)
			return nil, call("Slot.OpenSession", err)
		}
	}
	session := &Session{
		Slot:   slot,
		Handle: handle,
		rw:     rw,
	}
	slot.Lock()
	defer slot.Unlock()
	slot.sessions[handle] = session
	log.Printf("opened session %d on slot %d (rw=%t)", handle, slot.ID, rw)
	return session, nil
}

func (slot *Slot) CloseSession(session *Session) {
	if err := slot.Application.Module.CloseSession(session.Handle); err != nil {
		log.Printf("closing session %d on slot %d: %v", session.Handle, slot.ID, err)
	}
	slot.Lock()
	defer slot.Unlock()
	delete(slot.sessions, session.Handle)
}

// CloseAllSessions drains both pools and closes every session still known to the slot.
func (slot *Slot) CloseAllSessions() {
	for _, pool := range []chan *Session{slot.roSessions, slot.rwSessions} {
	drain:
		for {
			select {
			case <-pool:
			default:
				break drain
			}
		}
	}
	slot.Lock()
	sessions := make([]*Session, 0, len(slot.sessions))
	for _, session := range slot.sessions {
		sessions = append(sessions, session)
	}
	slot.Unlock()
	for _, session := range sessions {
		slot.CloseSession(session)
	}
}

func (slot *Slot) HasSession(handle pkcs11.SessionHandle) bool {
	slot.Lock()
	defer slot.Unlock()
	_, ok := slot.sessions[handle]
	return ok
}

// SessionCount returns the number of sessions currently open on the slot.
func (slot *Slot) SessionCount() int {
	slot.Lock()
	defer slot.Unlock()
	return len(slot.sessions)
}
