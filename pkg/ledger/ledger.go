// Package ledger records batch conversion runs and the outcome of every
// session in a SQLite database, so a later run can tell which sessions
// still need converting.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Session outcomes
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrUnknownRun is returned for a run id that was never started
var ErrUnknownRun = errors.New("unknown run")

// Ledger is a handle on the ledger database. It is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// SessionRecord is the outcome of one session within a run
type SessionRecord struct {
	SessionID  string        `json:"session_id"`
	Status     string        `json:"status"`
	OutputPath string        `json:"output_path,omitempty"`
	ErrorFile  string        `json:"error_file,omitempty"`
	Error      string        `json:"error,omitempty"`
	Shift      float64       `json:"shift_seconds"`
	Omitted    []string      `json:"omitted,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Run is a batch run with its recorded sessions
type Run struct {
	ID         string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Sessions   int             `json:"sessions"`
	Records    []SessionRecord `json:"records"`
}

// Open opens or creates the ledger at path and applies pending migrations.
// Use ":memory:" for a throwaway ledger.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure ledger: %w", err)
		}
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: l.logger}
	// m is not closed because closing it closes the shared database handle

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read ledger version: %w", err)
	}
	l.logger.Debug("Ledger schema ready", "version", version)
	return nil
}

// Close releases the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun registers a new run and returns its id
func (l *Ledger) StartRun(ctx context.Context, sessions int) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, sessions) VALUES (?, ?, ?)`,
		id, time.Now().UTC(), sessions)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run as complete
func (l *Ledger) FinishRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE run_id = ?`, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// RecordSession stores the outcome of one session. Recording the same
// session twice in a run keeps the latest outcome.
func (l *Ledger) RecordSession(ctx context.Context, runID string, rec SessionRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (run_id, session_id, status, output_path, error_file, error, shift_seconds, duration_ms, omitted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, session_id) DO UPDATE SET
			status = excluded.status,
			output_path = excluded.output_path,
			error_file = excluded.error_file,
			error = excluded.error,
			shift_seconds = excluded.shift_seconds,
			duration_ms = excluded.duration_ms,
			omitted = excluded.omitted,
			recorded_at = excluded.recorded_at`,
		runID, rec.SessionID, rec.Status, rec.OutputPath, rec.ErrorFile, rec.Error,
		rec.Shift, rec.Duration.Milliseconds(), strings.Join(rec.Omitted, ","), rec.RecordedAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return fmt.Errorf("record session %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListRun returns the run and its sessions ordered by session id
func (l *Ledger) ListRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{ID: runID}
	var finished sql.NullTime
	err := l.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, sessions FROM runs WHERE run_id = ?`, runID).
		Scan(&run.StartedAt, &finished, &run.Sessions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("list run %s: %w", runID, err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, status, output_path, error_file, error, shift_seconds, duration_ms, omitted, recorded_at
		FROM sessions WHERE run_id = ? ORDER BY session_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        SessionRecord
			durationMs int64
			omitted    string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Status, &rec.OutputPath, &rec.ErrorFile, &rec.Error,
			&rec.Shift, &durationMs, &omitted, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if omitted != "" {
			rec.Omitted = strings.Split(omitted, ",")
		}
		run.Records = append(run.Records, rec)
	}
	return run, rows.Err()
}

// Succeeded returns the ids of sessions that converted successfully in any run
func (l *Ledger) Succeeded(ctx context.Context) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM sessions WHERE status = ?`, StatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("list succeeded sessions: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		done[id] = true
	}
	return done, rows.Err()
}

// migrateLogger adapts slog to migrate.Logger
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
}

func (l *migrateLogger) Verbose() bool {
	return false
}
