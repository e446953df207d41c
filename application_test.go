package p11cert

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/niclabs/p11cert/storage"
	"github.com/pkg/errors"
)

func TestNewApplication(t *testing.T) {
	m := newTestModule()
	m.AddToken(3, "OTHER", "0003", testPin)
	app := newTestApp(t, m)

	if len(app.Slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(app.Slots))
	}
	token, err := app.GetToken("OTHER")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token.Slot().ID != 3 || token.SerialNumber != "0003" {
		t.Errorf("unexpected token %+v", token)
	}
	if _, err := app.GetToken("MISSING"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound, got %v", err)
	}
	if _, err := app.GetSlot(7); err == nil {
		t.Errorf("expected missing slot error")
	}
}

func TestNewApplicationTokenLabel(t *testing.T) {
	m := newTestModule()
	m.AddToken(1, "OTHER                           ", "0002", testPin)
	conf := testConfig()
	conf.Criptoki.TokenLabel = "OTHER"
	app, err := NewApplicationWithLoader(conf, loaderFor(m))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	defer app.Finalize()
	if len(app.Slots) != 1 || app.Slots[0].ID != 1 {
		t.Fatalf("label filter not applied")
	}

	conf.Criptoki.TokenLabel = "MISSING"
	other := newTestModule()
	if _, err := NewApplicationWithLoader(conf, loaderFor(other)); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound, got %v", err)
	}
	if other.IsInitialized() || !other.IsDestroyed() {
		t.Errorf("module not released after a failed start")
	}
}

func TestNewApplicationAlreadyInitialized(t *testing.T) {
	m := newTestModule()
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	newTestApp(t, m)
}

func TestNewApplicationInitializeFailure(t *testing.T) {
	m := newTestModule()
	m.FailOn("Initialize", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err := NewApplicationWithLoader(testConfig(), loaderFor(m))
	if code, ok := IsProtocolError(err); !ok || code != pkcs11.CKR_DEVICE_ERROR {
		t.Errorf("expected device error, got %v", err)
	}
	if !m.IsDestroyed() {
		t.Errorf("module not destroyed")
	}
	if _, err := NewApplicationWithLoader(testConfig(), func(string) Module { return nil }); err == nil {
		t.Errorf("expected an error for a missing library")
	}
}

func TestFinalize(t *testing.T) {
	m := newTestModule()
	addCertObject(m, pkcs11.CKC_X_509, newECCert(t, "a").Raw, []byte{0x01}, nil)
	app, err := NewApplicationWithLoader(testConfig(), loaderFor(m))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	token, _ := app.GetToken(testLabel)
	if _, err := token.EnumerateCertificates(); err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if m.OpenSessions() != 1 {
		t.Fatalf("expected a pooled session")
	}
	if err := app.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(token.Certificates()) != 0 {
		t.Errorf("cache not destroyed")
	}
	if m.IsInitialized() || !m.IsDestroyed() {
		t.Errorf("module not released")
	}
}

func TestSaveInventory(t *testing.T) {
	for _, dbType := range []string{"sqlite3", "leveldb"} {
		t.Run(dbType, func(t *testing.T) {
			m := newTestModule()
			cert := newECCert(t, "a")
			addCertObject(m, pkcs11.CKC_X_509, cert.Raw, []byte{0x01}, strPtr("a"))
			addCertObject(m, pkcs11.CKC_X_509, []byte("broken"), []byte{0x02}, nil)

			conf := testConfig()
			conf.Criptoki.DatabaseType = dbType
			conf.Sqlite3.Path = filepath.Join(t.TempDir(), "inventory.db")
			conf.LevelDB.Path = filepath.Join(t.TempDir(), "inventory")
			app, err := NewApplicationWithLoader(conf, loaderFor(m))
			if err != nil {
				t.Fatalf("new application: %v", err)
			}
			defer app.Finalize()
			token, _ := app.GetToken("")

			id, err := app.SaveInventory(token)
			if err != nil {
				t.Fatalf("save inventory: %v", err)
			}
			snapshot, err := app.Inventory(testLabel)
			if err != nil {
				t.Fatalf("inventory: %v", err)
			}
			if snapshot.ID != id || snapshot.TokenLabel != testLabel {
				t.Errorf("unexpected snapshot %s for %q", snapshot.ID, snapshot.TokenLabel)
			}
			if len(snapshot.Certificates) != 2 {
				t.Fatalf("expected 2 records, got %d", len(snapshot.Certificates))
			}
			first := snapshot.Certificates[0]
			if !bytes.Equal(first.ID, []byte{0x01}) || first.Label != "a" || !first.HasLabel || !bytes.Equal(first.Value, cert.Raw) {
				t.Errorf("unexpected first record %+v", first)
			}
			if second := snapshot.Certificates[1]; second.HasLabel || len(second.Value) != 0 {
				t.Errorf("unexpected second record %+v", second)
			}
			if _, err := app.Inventory("OTHER"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestInventoryNotConfigured(t *testing.T) {
	app := newTestApp(t, newTestModule())
	token, _ := app.GetToken(testLabel)
	if _, err := app.SaveInventory(token); !errors.Is(err, ErrStorageNotConfigured) {
		t.Errorf("expected ErrStorageNotConfigured, got %v", err)
	}
	if _, err := app.Inventory(testLabel); !errors.Is(err, ErrStorageNotConfigured) {
		t.Errorf("expected ErrStorageNotConfigured, got %v", err)
	}
}

func TestNewCertificateID(t *testing.T) {
	a, b := NewCertificateID(), NewCertificateID()
	if len(a) != 16 || bytes.Equal(a, b) {
		t.Errorf("ids %x and %x", a, b)
	}
}
