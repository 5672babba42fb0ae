// Package ledger keeps a local SQLite record of every job handed to the
// scheduler. It is never consulted to decide whether a seed is complete;
// result artifacts are the only source of truth for that.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"seedbatch/internal/experiment"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("ledger: no such submission")

// Entry is one recorded submission attempt.
type Entry struct {
	ID          int64
	BatchID     string
	Experiment  string
	JobName     string
	JobID       string
	Seeds       []int
	Walltime    string
	Script      string
	Args        []string
	Status      string
	Output      string
	Remote      string
	GitCommit   string
	GitBranch   string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Ledger wraps the submissions database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func initSchema(db *sql.DB) error {
	const createSubmissions = `
CREATE TABLE IF NOT EXISTS submissions (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id     TEXT,
  experiment   TEXT,
  job_name     TEXT,
  job_id       TEXT,
  seeds        TEXT,
  walltime     TEXT,
  script_path  TEXT,
  args         TEXT,
  job_status   TEXT,
  output       TEXT,
  created_at   TEXT,
  completed_at TEXT
);`
	if _, err := db.Exec(createSubmissions); err != nil {
		return err
	}
	migrations := []string{
		`ALTER TABLE submissions ADD COLUMN remote TEXT`,
		`ALTER TABLE submissions ADD COLUMN git_commit TEXT`,
		`ALTER TABLE submissions ADD COLUMN git_branch TEXT`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return err
		}
	}
	return nil
}

// Insert stores e and sets e.ID. A zero CreatedAt is set to now.
func (l *Ledger) Insert(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("ledger: marshal args: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO submissions (batch_id, experiment, job_name, job_id, seeds, walltime, script_path, args,
                                  job_status, output, created_at, completed_at, remote, git_commit, git_branch)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.Experiment, e.JobName, e.JobID, experiment.JoinSeeds(e.Seeds), e.Walltime, e.Script, string(args),
		e.Status, e.Output, formatTime(e.CreatedAt), formatTime(e.CompletedAt), e.Remote, e.GitCommit, e.GitBranch,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

const selectColumns = `SELECT id, batch_id, experiment, job_name, job_id, seeds, walltime, script_path, args,
                              job_status, output, created_at, completed_at, remote, git_commit, git_branch
                       FROM submissions`

// Get loads one entry.
func (l *Ledger) Get(ctx context.Context, id int64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// List returns the newest entries first. limit <= 0 returns everything.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	query := selectColumns + ` ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.query(ctx, query, args...)
}

// Active returns entries whose recorded status may still change.
func (l *Ledger) Active(ctx context.Context) ([]Entry, error) {
	return l.query(ctx, selectColumns+` WHERE job_id != '' AND (completed_at IS NULL OR completed_at = '') ORDER BY id`)
}

// UpdateStatus sets the job status. A non-nil completedAt marks the entry as
// finished.
func (l *Ledger) UpdateStatus(ctx context.Context, id int64, status string, completedAt *time.Time) error {
	if completedAt != nil {
		_, err := l.db.ExecContext(ctx, `UPDATE submissions SET job_status = ?, completed_at = ? WHERE id = ?`,
			status, formatTime(*completedAt), id)
		return err
	}
	_, err := l.db.ExecContext(ctx, `UPDATE submissions SET job_status = ? WHERE id = ?`, status, id)
	return err
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var seeds, args, created, completed, remote, commit, branch sql.NullString
	if err := s.Scan(
		&e.ID,
		&e.BatchID,
		&e.Experiment,
		&e.JobName,
		&e.JobID,
		&seeds,
		&e.Walltime,
		&e.Script,
		&args,
		&e.Status,
		&e.Output,
		&created,
		&completed,
		&remote,
		&commit,
		&branch,
	); err != nil {
		return nil, err
	}
	if seeds.Valid && seeds.String != "" {
		parsed, err := experiment.ParseSeeds(seeds.String)
		if err != nil {
			return nil, fmt.Errorf("ledger: entry %d seeds: %w", e.ID, err)
		}
		e.Seeds = parsed
	}
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &e.Args); err != nil {
			return nil, fmt.Errorf("ledger: entry %d args: %w", e.ID, err)
		}
	}
	e.CreatedAt = parseTime(created)
	e.CompletedAt = parseTime(completed)
	e.Remote = remote.String
	e.GitCommit = commit.String
	e.GitBranch = branch.String
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
