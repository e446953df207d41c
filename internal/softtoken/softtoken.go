// Package softtoken is an in-memory PKCS#11 module. It keeps objects as
// attribute maps and implements the subset of calls p11cert makes, with
// hooks to make any call fail.
package softtoken

import (
	"bytes"
	"sort"
	"sync"

	"github.com/miekg/pkcs11"
)

// An Object stored on a soft token.
type Object struct {
	Handle     pkcs11.ObjectHandle
	Attributes map[uint][]byte
}

// Match returns true if the object holds every attribute of the template
// with the same value.
func (object *Object) Match(template []*pkcs11.Attribute) bool {
	for _, attr := range template {
		value, ok := object.Attributes[attr.Type]
		if !ok || !bytes.Equal(value, attr.Value) {
			return false
		}
	}
	return true
}

// A Token of the soft module.
type Token struct {
	Label        string
	SerialNumber string
	Pin          string
	loggedIn     bool
	objects      map[pkcs11.ObjectHandle]*Object
}

type session struct {
	slotID          uint
	rw              bool
	findInitialized bool
	foundObjects    []pkcs11.ObjectHandle
}

type failure struct {
	after int
	err   error
}

// Module implements the calls of a PKCS#11 library over in-memory tokens.
// It is safe for concurrent use.
type Module struct {
	mu          sync.Mutex
	initialized bool
	destroyed   bool
	tokens      map[uint]*Token
	sessions    map[pkcs11.SessionHandle]*session
	nextSession pkcs11.SessionHandle
	nextObject  pkcs11.ObjectHandle
	calls       map[string]int
	failures    map[string]failure
	templates   [][]*pkcs11.Attribute
	searches    [][]*pkcs11.Attribute
}

func New() *Module {
	return &Module{
		tokens:      make(map[uint]*Token),
		sessions:    make(map[pkcs11.SessionHandle]*session),
		nextSession: 1,
		nextObject:  1,
		calls:       make(map[string]int),
		failures:    make(map[string]failure),
	}
}

// AddToken inserts a token in the given slot.
func (m *Module) AddToken(slotID uint, label, serial, pin string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := &Token{
		Label:        label,
		SerialNumber: serial,
		Pin:          pin,
		objects:      make(map[pkcs11.ObjectHandle]*Object),
	}
	m.tokens[slotID] = token
	return token
}

// AddObject stores an object built from attrs directly on the token in
// slotID, bypassing sessions.
func (m *Module) AddObject(slotID uint, attrs ...*pkcs11.Attribute) pkcs11.ObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addObject(m.tokens[slotID], attrs)
}

func (m *Module) addObject(token *Token, attrs []*pkcs11.Attribute) pkcs11.ObjectHandle {
	object := &Object{
		Handle:     m.nextObject,
		Attributes: make(map[uint][]byte, len(attrs)),
	}
	m.nextObject++
	for _, attr := range attrs {
		object.Attributes[attr.Type] = append([]byte{}, attr.Value...)
	}
	token.objects[object.Handle] = object
	return object.Handle
}

// Object returns the object stored under handle in slotID.
func (m *Module) Object(slotID uint, handle pkcs11.ObjectHandle) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	object, ok := m.tokens[slotID].objects[handle]
	return object, ok
}

// ObjectCount returns the number of objects on the token in slotID.
func (m *Module) ObjectCount(slotID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens[slotID].objects)
}

// MoveObject gives an object a new handle, as a module does when it is
// reloaded.
func (m *Module) MoveObject(slotID uint, handle pkcs11.ObjectHandle) pkcs11.ObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.tokens[slotID]
	object := token.objects[handle]
	delete(token.objects, handle)
	object.Handle = m.nextObject
	m.nextObject++
	token.objects[object.Handle] = object
	return object.Handle
}

// RemoveObject deletes an object without going through a session.
func (m *Module) RemoveObject(slotID uint, handle pkcs11.ObjectHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens[slotID].objects, handle)
}

// FailOn makes every call to method fail with err. A nil err clears it.
func (m *Module) FailOn(method string, err error) {
	m.FailAfter(method, 0, err)
}

// FailAfter lets n calls to method succeed, then fails the following ones with err.
func (m *Module) FailAfter(method string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = failure{after: m.calls[method] + n, err: err}
}

// Calls returns how many times method was called.
func (m *Module) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Templates returns copies of the templates passed to CreateObject, in call order.
func (m *Module) Templates() [][]*pkcs11.Attribute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templates
}

// Searches returns the templates passed to FindObjectsInit, in call order.
// They are kept as passed, so later changes made by the caller are visible.
func (m *Module) Searches() [][]*pkcs11.Attribute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searches
}

// OpenSessions returns the number of sessions not closed yet.
func (m *Module) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Module) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Module) IsDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// enter counts a call and returns its injected failure, if any. It must
// be called with the lock held.
func (m *Module) enter(method string) error {
	m.calls[method]++
	if f, ok := m.failures[method]; ok && m.calls[method] > f.after {
		return f.err
	}
	return nil
}

func (m *Module) getSession(sh pkcs11.SessionHandle) (*session, *Token, error) {
	if !m.initialized {
		return nil, nil, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	s, ok := m.sessions[sh]
	if !ok {
		return nil, nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	token, ok := m.tokens[s.slotID]
	if !ok {
		return nil, nil, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return s, token, nil
}

func (m *Module) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Initialize"); err != nil {
		return err
	}
	if m.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	m.initialized = true
	return nil
}

func (m *Module) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Finalize"); err != nil {
		return err
	}
	if !m.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	m.initialized = false
	m.sessions = make(map[pkcs11.SessionHandle]*session)
	for _, token := range m.tokens {
		token.loggedIn = false
	}
	return nil
}

func (m *Module) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Destroy"]++
	m.destroyed = true
}

func (m *Module) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSlotList"); err != nil {
		return nil, err
	}
	slots := make([]uint, 0, len(m.tokens))
	for id := range m.tokens {
		slots = append(slots, id)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}

func (m *Module) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetTokenInfo"); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	token, ok := m.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.TokenInfo{
		Label:        token.Label,
		SerialNumber: token.SerialNumber,
		Flags:        pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_LOGIN_REQUIRED,
	}, nil
}

func (m *Module) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("OpenSession"); err != nil {
		return 0, err
	}
	if !m.initialized {
		return 0, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	if _, ok := m.tokens[slotID]; !ok {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	handle := m.nextSession
	m.nextSession++
	m.sessions[handle] = &session{
		slotID: slotID,
		rw:     flags&pkcs11.CKF_RW_SESSION != 0,
	}
	return handle, nil
}

func (m *Module) CloseSession(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CloseSession"); err != nil {
		return err
	}
	if _, _, err := m.getSession(sh); err != nil {
		return err
	}
	delete(m.sessions, sh)
	return nil
}

func (m *Module) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Login"); err != nil {
		return err
	}
	_, token, err := m.getSession(sh)
	if err != nil {
		return err
	}
	if token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin != token.Pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	token.loggedIn = true
	return nil
}

func (m *Module) Logout(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Logout"); err != nil {
		return err
	}
	_, token, err := m.getSession(sh)
	if err != nil {
		return err
	}
	if !token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	token.loggedIn = false
	return nil
}

func (m *Module) CreateObject(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateObject"); err != nil {
		return 0, err
	}
	s, token, err := m.getSession(sh)
	if err != nil {
		return 0, err
	}
	if !s.rw {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	if len(temp) == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_TEMPLATE_INCOMPLETE)
	}
	saved := make([]*pkcs11.Attribute, len(temp))
	for i, attr := range temp {
		saved[i] = &pkcs11.Attribute{Type: attr.Type, Value: append([]byte{}, attr.Value...)}
	}
	m.templates = append(m.templates, saved)
	return m.addObject(token, temp), nil
}

func (m *Module) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DestroyObject"); err != nil {
		return err
	}
	s, token, err := m.getSession(sh)
	if err != nil {
		return err
	}
	if !s.rw {
		return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	if _, ok := token.objects[oh]; !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(token.objects, oh)
	return nil
}

// GetAttributeValue fails the whole call when one of the attributes is
// missing, the way the miekg/pkcs11 wrapper reports it.
func (m *Module) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAttributeValue"); err != nil {
		return nil, err
	}
	_, token, err := m.getSession(sh)
	if err != nil {
		return nil, err
	}
	object, ok := token.objects[o]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	attrs := make([]*pkcs11.Attribute, len(a))
	for i, attr := range a {
		value, ok := object.Attributes[attr.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		attrs[i] = &pkcs11.Attribute{Type: attr.Type, Value: append([]byte{}, value...)}
	}
	return attrs, nil
}

func (m *Module) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjectsInit"); err != nil {
		return err
	}
	s, token, err := m.getSession(sh)
	if err != nil {
		return err
	}
	if s.findInitialized {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	m.searches = append(m.searches, temp)
	s.foundObjects = make([]pkcs11.ObjectHandle, 0)
	for handle, object := range token.objects {
		if object.Match(temp) {
			s.foundObjects = append(s.foundObjects, handle)
		}
	}
	sort.Slice(s.foundObjects, func(i, j int) bool { return s.foundObjects[i] < s.foundObjects[j] })
	s.findInitialized = true
	return nil
}

func (m *Module) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjects"); err != nil {
		return nil, false, err
	}
	s, _, err := m.getSession(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.findInitialized {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if max > len(s.foundObjects) {
		max = len(s.foundObjects)
	}
	handles := s.foundObjects[:max:max]
	s.foundObjects = s.foundObjects[max:]
	return handles, len(s.foundObjects) > 0, nil
}

func (m *Module) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjectsFinal"); err != nil {
		return err
	}
	s, _, err := m.getSession(sh)
	if err != nil {
		return err
	}
	if !s.findInitialized {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.findInitialized = false
	s.foundObjects = nil
	return nil
}
