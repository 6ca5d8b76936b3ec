// Package store keeps transcription history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// ErrNotFound is returned by Get for an unknown session.
var ErrNotFound = errors.New("store: result not found")

const currentSchemaVersion = 2

// Store is the SQLite result sink. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("sqlite: failed to set busy_timeout", "error", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: history opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)
	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the results table.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		model TEXT NOT NULL,
		language TEXT,
		raw_text TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		error TEXT,
		audio_ms INTEGER NOT NULL DEFAULT 0,
		transcription_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds the enhancement columns.
func migrateV2(db *sql.DB) error {
	schema := `
	ALTER TABLE results ADD COLUMN enhanced_text TEXT DEFAULT NULL;
	ALTER TABLE results ADD COLUMN enhancement_ms INTEGER DEFAULT NULL;

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Persist records a terminal result. A second write for the same session
// replaces the first.
func (s *Store) Persist(ctx context.Context, r *types.TranscriptionResult) error {
	if r == nil {
		return nil
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var enhanced sql.NullString
	if r.EnhancedText != nil {
		enhanced = sql.NullString{String: *r.EnhancedText, Valid: true}
	}
	var enhanceMS sql.NullInt64
	if r.EnhancementDuration != nil {
		enhanceMS = sql.NullInt64{Int64: r.EnhancementDuration.Milliseconds(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO results (session_id, created_at, status, model, language,
		                                raw_text, text, error, audio_ms, transcription_ms,
		                                enhanced_text, enhancement_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.SessionID, created.UnixMilli(), string(r.Status), r.ModelName, nullString(r.Language),
		r.RawText, r.Text, nullString(r.Error), r.AudioDuration.Milliseconds(), r.TranscriptionDuration.Milliseconds(),
		enhanced, enhanceMS,
	)
	if err != nil {
		return fmt.Errorf("insert result failed: %w", err)
	}
	L_trace("sqlite: result persisted", "session", r.SessionID, "status", r.Status)
	return nil
}

const selectColumns = `
	SELECT session_id, created_at, status, model, language, raw_text, text, error,
	       audio_ms, transcription_ms, enhanced_text, enhancement_ms
	FROM results`

// Recent returns up to n results, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]*types.TranscriptionResult, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TranscriptionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one session's result.
func (s *Store) Get(ctx context.Context, sessionID string) (*types.TranscriptionResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, selectColumns+" WHERE session_id = ?", sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*types.TranscriptionResult, error) {
	var r types.TranscriptionResult
	var created, audioMS, transcribeMS int64
	var status string
	var language, errText, enhanced sql.NullString
	var enhanceMS sql.NullInt64

	if err := row.Scan(
		&r.SessionID, &created, &status, &r.ModelName, &language, &r.RawText, &r.Text, &errText,
		&audioMS, &transcribeMS, &enhanced, &enhanceMS,
	); err != nil {
		return nil, err
	}

	r.CreatedAt = time.UnixMilli(created)
	r.Status = types.Status(status)
	r.Language = language.String
	r.Error = errText.String
	r.AudioDuration = time.Duration(audioMS) * time.Millisecond
	r.TranscriptionDuration = time.Duration(transcribeMS) * time.Millisecond
	if enhanced.Valid {
		text := enhanced.String
		r.EnhancedText = &text
	}
	if enhanceMS.Valid {
		d := time.Duration(enhanceMS.Int64) * time.Millisecond
		r.EnhancementDuration = &d
	}
	return &r, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	L_debug("sqlite: closing history")
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
