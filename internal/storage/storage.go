package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Pairing outcomes.
const (
	OutcomeWritten          = "written"
	OutcomeSkippedNoResult  = "skipped_no_result"
	OutcomeSkippedMalformed = "skipped_malformed"
	OutcomeFailed           = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Store wraps SQLite-backed history of evaluation runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates it to the latest
// schema.
func New(path string) (*Store, error) {
	// the API server and a run may write concurrently
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close s.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (s *Store) SchemaVersion() (uint, bool, error) {
	if s == nil {
		return 0, false, errors.New("store not initialized")
	}
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one evaluation run.
type RunRecord struct {
	ID          string     `json:"id"`
	Root        string     `json:"root"`
	ReportPath  string     `json:"report_path"`
	Platforms   string     `json:"platforms"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Written     int        `json:"written"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
}

// PairingRecord captures the outcome of one (plot, capture) pairing. Targets
// and Estimates hold the rendered values in report order.
type PairingRecord struct {
	RunID      string    `json:"run_id"`
	PlotDir    string    `json:"plot_dir"`
	Capture    string    `json:"capture"`
	Platform   string    `json:"platform"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Targets    [4]string `json:"targets"`
	Estimates  [4]string `json:"estimates"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordRunStart inserts a running evaluation.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO evaluation_runs (id, root, report_path, platforms, status, started_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Root, rec.ReportPath, rec.Platforms, StatusRunning, rec.StartedAt.UnixMilli())
	return err
}

// RecordRunResult finalizes a run with its status and counters.
func (s *Store) RecordRunResult(id, status string, written, skipped, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE evaluation_runs SET status=?, completed_at=?, written=?, skipped=?, failed=?, error_message=? WHERE id=?;`,
		status, time.Now().UnixMilli(), written, skipped, failed, nullString(errMsg), id)
	return err
}

// RecordPairing persists one pairing outcome.
func (s *Store) RecordPairing(rec PairingRecord) error {
	if s == nil {
		return nil
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO pairing_results (run_id, plot_dir, capture_path, platform, outcome, detail,
            target_dbh, estimate_dbh, target_crown_base, estimate_crown_base,
            target_height, estimate_height, target_crown_diameter, estimate_crown_diameter, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.PlotDir, rec.Capture, rec.Platform, rec.Outcome, nullString(rec.Detail),
		rec.Targets[0], rec.Estimates[0], rec.Targets[1], rec.Estimates[1],
		rec.Targets[2], rec.Estimates[2], rec.Targets[3], rec.Estimates[3],
		rec.RecordedAt.UnixMilli())
	return err
}

const runColumns = `id, root, report_path, platforms, status, started_at, completed_at, written, skipped, failed, error_message`

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM evaluation_runs ORDER BY started_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM evaluation_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Pairings returns the pairings of a run in the order they were recorded.
func (s *Store) Pairings(runID string) ([]PairingRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, plot_dir, capture_path, platform, outcome, detail,
            target_dbh, estimate_dbh, target_crown_base, estimate_crown_base,
            target_height, estimate_height, target_crown_diameter, estimate_crown_diameter, recorded_at
        FROM pairing_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PairingRecord
	for rows.Next() {
		var rec PairingRecord
		var detail sql.NullString
		var recorded int64
		if err := rows.Scan(&rec.RunID, &rec.PlotDir, &rec.Capture, &rec.Platform, &rec.Outcome, &detail,
			&rec.Targets[0], &rec.Estimates[0], &rec.Targets[1], &rec.Estimates[1],
			&rec.Targets[2], &rec.Estimates[2], &rec.Targets[3], &rec.Estimates[3], &recorded); err != nil {
			return nil, err
		}
		rec.Detail = detail.String
		rec.RecordedAt = time.UnixMilli(recorded)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var started int64
	var completed sql.NullInt64
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Root, &rec.ReportPath, &rec.Platforms, &rec.Status, &started, &completed,
		&rec.Written, &rec.Skipped, &rec.Failed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(started)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		rec.CompletedAt = &t
	}
	rec.Error = errorMsg.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
