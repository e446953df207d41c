package sqlite3

const CreateSnapshotTable = `
    CREATE TABLE IF NOT EXISTS snapshot (
        token_label		TEXT PRIMARY KEY,
        id				TEXT NOT NULL,
        taken			INTEGER NOT NULL
    )`

const InsertSnapshotQuery = `
	INSERT OR REPLACE INTO snapshot (token_label, id, taken)
	VALUES (?, ?, ?)
`

const GetSnapshotQuery = `
        SELECT id, taken
        FROM snapshot
        WHERE token_label = ?
`

const CreateCertificateTable = `
    CREATE TABLE IF NOT EXISTS certificate (
        token_label		TEXT,
        position		INTEGER,
        handle			INTEGER,
        key_id			BLOB,
        label			TEXT,
        has_label		INTEGER,
        value			BLOB,
        PRIMARY KEY (token_label, position)
    )`

const InsertCertificateQuery = `
	INSERT INTO certificate (token_label, position, handle, key_id, label, has_label, value)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

const CleanCertificatesQuery = `
	DELETE FROM certificate WHERE token_label = ?
`

const GetCertificatesQuery = `
        SELECT handle, key_id, label, has_label, value
		FROM certificate
        WHERE token_label = ?
        ORDER BY position
`

var CreateStmts = []string{CreateSnapshotTable, CreateCertificateTable}
