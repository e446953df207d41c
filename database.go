package p11cert

import (
	"github.com/niclabs/p11cert/storage"
	"github.com/niclabs/p11cert/storage/leveldb"
	"github.com/niclabs/p11cert/storage/sqlite3"
	"github.com/pkg/errors"
)

// NewDatabase opens the inventory storage selected by the configuration.
// It returns ErrStorageNotConfigured when no database type is set.
func NewDatabase(conf *Config) (storage.CertificateStorage, error) {
	switch conf.Criptoki.DatabaseType {
	case "":
		return nil, ErrStorageNotConfigured
	case "sqlite3":
		if conf.Sqlite3.Path == "" {
			return nil, errors.New("sqlite3 config not defined")
		}
		return sqlite3.GetDatabase(conf.Sqlite3.Path)
	case "leveldb":
		if conf.LevelDB.Path == "" {
			return nil, errors.New("leveldb config not defined")
		}
		return leveldb.GetDatabase(conf.LevelDB.Path)
	default:
		return nil, errors.Errorf("storage option %q not found", conf.Criptoki.DatabaseType)
	}
}
