package p11cert

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"
	"github.com/niclabs/p11cert/storage"
	"github.com/pkg/errors"
)

// Application holds the loaded module and the slots with a present token.
type Application struct {
	Module   Module
	Database storage.CertificateStorage
	Slots    []*Slot
	Config   *Config
}

func NewApplication(conf *Config) (*Application, error) {
	return NewApplicationWithLoader(conf, defaultLoader)
}

// NewApplicationWithLoader initializes the module returned by loader and
// inserts a token in a slot for every matching token found.
func NewApplicationWithLoader(conf *Config, loader ModuleLoader) (app *Application, err error) {
	if err = conf.Validate(); err != nil {
		return
	}
	module := loader(conf.Criptoki.ModulePath)
	if module == nil {
		err = NewError("NewApplication", "cannot load module "+conf.Criptoki.ModulePath, pkcs11.CKR_GENERAL_ERROR)
		return
	}
	if err = module.Initialize(); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			module.Destroy()
			err = call("NewApplication", err)
			return
		}
		err = nil
	}
	app = &Application{
		Module: module,
		Config: conf,
	}
	defer func() {
		if err != nil {
			app.Finalize()
			app = nil
		}
	}()

	slotIDs, err := module.GetSlotList(true)
	if err != nil {
		err = call("NewApplication", err)
		return
	}
	for _, id := range slotIDs {
		var info pkcs11.TokenInfo
		info, err = module.GetTokenInfo(id)
		if err != nil {
			err = call("NewApplication", err)
			return
		}
		label := strings.TrimRight(info.Label, " \x00")
		if conf.Criptoki.TokenLabel != "" && label != conf.Criptoki.TokenLabel {
			continue
		}
		slot := NewSlot(app, id, conf.Criptoki.MaxSessionCount)
		slot.InsertToken(NewToken(label, strings.TrimRight(info.SerialNumber, " \x00")))
		app.Slots = append(app.Slots, slot)
	}
	if len(app.Slots) == 0 {
		err = errors.Wrapf(ErrTokenNotFound, "label %q", conf.Criptoki.TokenLabel)
		return
	}

	if conf.Criptoki.DatabaseType != "" {
		var db storage.CertificateStorage
		if db, err = NewDatabase(conf); err != nil {
			err = NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
			return
		}
		app.Database = db
		if err = db.InitStorage(); err != nil {
			err = NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
			return
		}
	}
	log.Printf("module %s loaded with %d tokens", conf.Criptoki.ModulePath, len(app.Slots))
	return
}

// GetToken returns the token with the given label, or the first token when
// label is empty.
func (app *Application) GetToken(label string) (*Token, error) {
	for _, slot := range app.Slots {
		token, err := slot.GetToken()
		if err != nil {
			continue
		}
		if label == "" || token.Label == label {
			return token, nil
		}
	}
	return nil, errors.Wrapf(ErrTokenNotFound, "label %q", label)
}

func (app *Application) GetSlot(id uint) (*Slot, error) {
	for _, slot := range app.Slots {
		if slot.ID == id {
			return slot, nil
		}
	}
	return nil, NewError("Application.GetSlot", "slot not found", pkcs11.CKR_SLOT_ID_INVALID)
}

// Finalize destroys every certificate cache, closes the sessions and
// releases the module and the storage.
func (app *Application) Finalize() error {
	for _, slot := range app.Slots {
		if token, err := slot.GetToken(); err == nil {
			token.DestroyCertificates()
		}
		slot.CloseAllSessions()
	}
	var err error
	if app.Database != nil {
		err = app.Database.CloseStorage()
		app.Database = nil
	}
	if app.Module != nil {
		if finErr := app.Module.Finalize(); finErr != nil && err == nil {
			err = call("Application.Finalize", finErr)
		}
		app.Module.Destroy()
		app.Module = nil
	}
	return err
}

// SaveInventory enumerates the token and saves the cache as a new snapshot.
func (app *Application) SaveInventory(token *Token) (string, error) {
	if app.Database == nil {
		return "", ErrStorageNotConfigured
	}
	certs, err := token.EnumerateCertificates()
	if err != nil {
		return "", err
	}
	snapshot := &storage.Snapshot{
		ID:           uuid.NewString(),
		TokenLabel:   token.Label,
		Taken:        time.Now().UTC(),
		Certificates: make([]*storage.CertificateRecord, 0, len(certs)),
	}
	for _, cert := range certs {
		record := &storage.CertificateRecord{
			Handle:   uint(cert.Handle()),
			ID:       append([]byte(nil), cert.ID()...),
			Label:    cert.Label(),
			HasLabel: cert.HasLabel(),
		}
		if cert.X509() != nil {
			record.Value = cert.X509().Raw
		}
		snapshot.Certificates = append(snapshot.Certificates, record)
	}
	if err := app.Database.SaveCertificates(snapshot); err != nil {
		return "", errors.Wrap(err, "saving inventory")
	}
	log.Printf("token %q: saved inventory %s with %d certificates", token.Label, snapshot.ID, len(certs))
	return snapshot.ID, nil
}

// Inventory returns the last snapshot saved for the token label.
func (app *Application) Inventory(label string) (*storage.Snapshot, error) {
	if app.Database == nil {
		return nil, ErrStorageNotConfigured
	}
	return app.Database.GetCertificates(label)
}

// NewCertificateID returns a fresh random CKA_ID for a certificate stored
// without one.
func NewCertificateID() []byte {
	id := uuid.New()
	return id[:]
}
