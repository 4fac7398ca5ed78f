// Package store persists backup records and run history in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/sprite-ai/tiergate/internal/model"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Memory is the path that opens a private in-memory database.
const Memory = ":memory:"

// Store is a SQLite-backed backup.Store and run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != Memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize state database: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores a backup record.
func (s *Store) Append(ctx context.Context, rec model.BackupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (id, subject, backup_ref, commit_sha, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Subject, rec.BackupRef, rec.Commit, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save backup %s: %w", rec.ID, err)
	}
	return nil
}

// List returns subject's records oldest first, or every record when subject is empty.
func (s *Store) List(ctx context.Context, subject string) ([]model.BackupRecord, error) {
	q := `SELECT id, subject, backup_ref, commit_sha, created_at FROM backups`
	var args []any
	if subject != "" {
		q += ` WHERE subject = ?`
		args = append(args, subject)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BackupRecord
	for rows.Next() {
		var rec model.BackupRecord
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.BackupRef, &rec.Commit, &created); err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Remove deletes a backup record. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", id, err)
	}
	return nil
}

// RunSummary is one row of run history.
type RunSummary struct {
	ID         string    `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	DryRun     bool      `json:"dry_run" yaml:"dry_run"`
	Candidates int       `json:"candidates" yaml:"candidates"`
	Failed     int       `json:"failed" yaml:"failed"`
	Summary    string    `json:"summary" yaml:"summary"`
}

// SaveRun stores a finished run report, replacing any earlier report with the same id.
func (s *Store) SaveRun(ctx context.Context, r *model.RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}
	dry := 0
	if r.DryRun {
		dry = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started_at, finished_at, dry_run, candidates, failed, summary, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(), dry,
		len(r.Entries), r.Counts()[model.StatusFailed], r.Summary(), string(body))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	return nil
}

// Runs lists the most recent runs, newest first. limit <= 0 lists all.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	q := `SELECT id, started_at, finished_at, dry_run, candidates, failed, summary FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var started, finished int64
		var dry int
		if err := rows.Scan(&rs.ID, &started, &finished, &dry, &rs.Candidates, &rs.Failed, &rs.Summary); err != nil {
			return nil, fmt.Errorf("failed to read run: %w", err)
		}
		rs.StartedAt = time.Unix(0, started).UTC()
		rs.FinishedAt = time.Unix(0, finished).UTC()
		rs.DryRun = dry != 0
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Run loads a stored report.
func (s *Store) Run(ctx context.Context, id string) (*model.RunReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	var r model.RunReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &r, nil
}
