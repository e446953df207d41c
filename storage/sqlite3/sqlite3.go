package sqlite3

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/niclabs/p11cert/storage"
)

// DB is a wrapper over a sql.DB object, complying with storage
// interface.
type DB struct {
	*sql.DB
}

// Creates the tables if they doesn't exist yet.
func (db DB) InitStorage() error {
	for _, stmt := range CreateStmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("in stmt %s: %v", stmt, err)
		}
	}
	return nil
}

func (db DB) SaveCertificates(snapshot *storage.Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := saveCertificates(tx, snapshot); err != nil {
		_ = tx.Rollback()
		return err
	}
	// Committing
	return tx.Commit()
}

func saveCertificates(tx *sql.Tx, snapshot *storage.Snapshot) error {
	// Cleaning old certificates
	if _, err := tx.Exec(CleanCertificatesQuery, snapshot.TokenLabel); err != nil {
		return err
	}
	// Saving the snapshot
	if _, err := tx.Exec(InsertSnapshotQuery, snapshot.TokenLabel, snapshot.ID, snapshot.Taken.UnixNano()); err != nil {
		return err
	}
	certStmt, err := tx.Prepare(InsertCertificateQuery)
	if err != nil {
		return err
	}
	defer certStmt.Close()
	// Saving the certificates
	for i, cert := range snapshot.Certificates {
		if _, err := certStmt.Exec(snapshot.TokenLabel, i, int64(cert.Handle), cert.ID, cert.Label, cert.HasLabel, cert.Value); err != nil {
			return err
		}
	}
	return nil
}

func (db DB) GetCertificates(label string) (*storage.Snapshot, error) {
	var id string
	var taken int64
	err := db.QueryRow(GetSnapshotQuery, label).Scan(&id, &taken)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	snapshot := &storage.Snapshot{
		ID:           id,
		TokenLabel:   label,
		Taken:        time.Unix(0, taken),
		Certificates: make([]*storage.CertificateRecord, 0),
	}

	rows, err := db.Query(GetCertificatesQuery, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var handle int64
		cert := &storage.CertificateRecord{}
		if err := rows.Scan(&handle, &cert.ID, &cert.Label, &cert.HasLabel, &cert.Value); err != nil {
			return nil, err
		}
		cert.Handle = uint(handle)
		snapshot.Certificates = append(snapshot.Certificates, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (db DB) CloseStorage() error {
	return db.Close()
}

func GetDatabase(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return &DB{
		DB: db,
	}, nil
}
