package leveldb

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/niclabs/p11cert/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// DB keeps one snapshot header per token under snapshot/<label> and its
// certificates under cert/<label>/<position>. Labels are hex encoded so
// any byte sequence is a valid key segment.
type DB struct {
	db *leveldb.DB
	wg sync.WaitGroup
}

func GetDatabase(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{
		db: db,
	}, nil
}

func snapshotKey(label string) []byte {
	return []byte(fmt.Sprintf("snapshot/%x", label))
}

func certPrefix(label string) []byte {
	return []byte(fmt.Sprintf("cert/%x/", label))
}

func certKey(label string, position int) []byte {
	return append(certPrefix(label), fmt.Sprintf("%08d", position)...)
}

// Nothing to create, the database is opened by GetDatabase.
func (s *DB) InitStorage() error {
	return nil
}

func (s *DB) SaveCertificates(snapshot *storage.Snapshot) error {
	s.wg.Add(1)
	defer s.wg.Done()

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(certPrefix(snapshot.TokenLabel)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	header := *snapshot
	header.Certificates = nil
	value, err := encMode.Marshal(&header)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %v", err)
	}
	batch.Put(snapshotKey(snapshot.TokenLabel), value)
	for i, cert := range snapshot.Certificates {
		value, err := encMode.Marshal(cert)
		if err != nil {
			return fmt.Errorf("encoding certificate %d: %v", i, err)
		}
		batch.Put(certKey(snapshot.TokenLabel, i), value)
	}
	return s.db.Write(batch, nil)
}

func (s *DB) GetCertificates(label string) (*storage.Snapshot, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	value, err := s.db.Get(snapshotKey(label), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var snapshot storage.Snapshot
	if err := cbor.Unmarshal(value, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %v", err)
	}
	snapshot.Certificates = make([]*storage.CertificateRecord, 0)

	iter := s.db.NewIterator(util.BytesPrefix(certPrefix(label)), nil)
	defer iter.Release()
	for iter.Next() {
		var cert storage.CertificateRecord
		if err := cbor.Unmarshal(iter.Value(), &cert); err != nil {
			return nil, fmt.Errorf("decoding certificate %s: %v", iter.Key(), err)
		}
		snapshot.Certificates = append(snapshot.Certificates, &cert)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *DB) CloseStorage() error {
	// Wait for pending operations
	s.wg.Wait()
	return s.db.Close()
}
