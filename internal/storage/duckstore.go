package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

var log = logger.For("DuckStore")

// Options tunes the embedded database.
type Options struct {
	Threads     int
	MemoryLimit string
}

// DuckStore persists upload sessions and pending file records in a DuckDB file.
// Session rows keep the columns needed for listing next to a msgpack document
// holding the full session.
type DuckStore struct {
	db     *sql.DB
	dbPath string
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS sessions (
	id         VARCHAR PRIMARY KEY,
	status     VARCHAR NOT NULL,
	doc        BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS files (
	session_id VARCHAR NOT NULL,
	idx        INTEGER NOT NULL,
	name       VARCHAR NOT NULL,
	size       BIGINT NOT NULL,
	payload    BLOB NOT NULL,
	PRIMARY KEY (session_id, idx)
)`}

// NewDuckStore opens (or creates) the database at dbPath. An empty path opens
// an in-memory database.
func NewDuckStore(dbPath string, opts Options) (*DuckStore, error) {
	log.Info("opening database", "path", dbPath)

	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "512MB"
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &DuckStore{db: db, dbPath: dbPath}, nil
}

// PutSession inserts or replaces a session.
func (ds *DuckStore) PutSession(ctx context.Context, s *models.UploadSession) error {
	doc, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}

	_, err = ds.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, string(s.Status), doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession loads a session by ID.
func (ds *DuckStore) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	var doc []byte
	err := ds.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	var s models.UploadSession
	if err := msgpack.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	if s.Errors == nil {
		s.Errors = make([]string, 0)
	}
	return &s, nil
}

// ListSessionIDs returns every session ID, oldest first.
func (ds *DuckStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := ds.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session together with any records it still owns.
func (ds *DuckStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting files of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// PutFile inserts or replaces a pending file record.
func (ds *DuckStore) PutFile(ctx context.Context, r *models.FileRecord) error {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := ds.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (session_id, idx, name, size, payload) VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.Index, r.Name, r.Size, payload)
	if err != nil {
		return fmt.Errorf("writing file %s/%d: %w", r.SessionID, r.Index, err)
	}
	return nil
}

// GetFile loads one pending file record.
func (ds *DuckStore) GetFile(ctx context.Context, sessionID string, index int) (*models.FileRecord, error) {
	rec := &models.FileRecord{SessionID: sessionID, Index: index}
	err := ds.db.QueryRowContext(ctx,
		`SELECT name, size, payload FROM files WHERE session_id = ? AND idx = ?`,
		sessionID, index).Scan(&rec.Name, &rec.Size, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s/%d: %w", sessionID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file %s/%d: %w", sessionID, index, err)
	}
	return rec, nil
}

// DeleteFile removes a delivered record. Deleting a missing record is not an error.
func (ds *DuckStore) DeleteFile(ctx context.Context, sessionID string, index int) error {
	_, err := ds.db.ExecContext(ctx, `DELETE FROM files WHERE session_id = ? AND idx = ?`, sessionID, index)
	if err != nil {
		return fmt.Errorf("deleting file %s/%d: %w", sessionID, index, err)
	}
	return nil
}

// DeleteFiles removes every record of a session and reports how many there were.
func (ds *DuckStore) DeleteFiles(ctx context.Context, sessionID string) (int, error) {
	res, err := ds.db.ExecContext(ctx, `DELETE FROM files WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting files of %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountFiles returns how many records of the session are still pending.
func (ds *DuckStore) CountFiles(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := ds.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting files of %s: %w", sessionID, err)
	}
	return n, nil
}

// Close closes the database connection.
func (ds *DuckStore) Close() error {
	start := time.Now()
	err := ds.db.Close()
	log.Debug("database closed", "path", ds.dbPath, "took", time.Since(start))
	return err
}
