package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/stackforge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CreateCompilation creates a new compilation record
func (s *SQLiteStore) CreateCompilation(ctx context.Context, c *Compilation) error {
	query := `
		INSERT INTO compilations (id, url, target, command, status, started_at, completed_at, error, error_path, artifact_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.URL,
		c.Target,
		c.Command,
		c.Status,
		c.StartedAt,
		c.CompletedAt,
		c.Error,
		c.ErrorPath,
		c.ArtifactCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create compilation: %w", err)
	}

	return nil
}

const compilationColumns = `id, url, target, command, status, started_at, completed_at, error, error_path, artifact_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanCompilation(row scanner) (*Compilation, error) {
	c := &Compilation{}
	err := row.Scan(
		&c.ID,
		&c.URL,
		&c.Target,
		&c.Command,
		&c.Status,
		&c.StartedAt,
		&c.CompletedAt,
		&c.Error,
		&c.ErrorPath,
		&c.ArtifactCount,
	)
	return c, err
}

// GetCompilation retrieves a compilation by ID
func (s *SQLiteStore) GetCompilation(ctx context.Context, id string) (*Compilation, error) {
	query := `SELECT ` + compilationColumns + ` FROM compilations WHERE id = ?`

	c, err := scanCompilation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compilation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compilation: %w", err)
	}

	return c, nil
}

// FinishCompilation records the outcome of a compilation
func (s *SQLiteStore) FinishCompilation(ctx context.Context, id string, status CompilationStatus, artifactCount int, errMsg, errPath *string) error {
	query := `
		UPDATE compilations
		SET status = ?, artifact_count = ?, error = ?, error_path = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, artifactCount, errMsg, errPath, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish compilation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("compilation %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListCompilations lists compilations, newest first
func (s *SQLiteStore) ListCompilations(ctx context.Context, limit, offset int) ([]*Compilation, error) {
	query := `SELECT ` + compilationColumns + ` FROM compilations ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list compilations: %w", err)
	}
	defer rows.Close()

	compilations := []*Compilation{}
	for rows.Next() {
		c, err := scanCompilation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compilation: %w", err)
		}
		compilations = append(compilations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compilations: %w", err)
	}

	return compilations, nil
}

// DeleteCompilationsBefore prunes compilations started before the cutoff,
// along with their artifacts and events.
func (s *SQLiteStore) DeleteCompilationsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM compilations WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune compilations: %w", err)
	}
	return result.RowsAffected()
}

// RecordArtifacts stores the artifacts of a compilation in one transaction
func (s *SQLiteStore) RecordArtifacts(ctx context.Context, compilationID string, artifacts []*Artifact) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (compilation_id, path, type, sha256, size)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare artifact insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range artifacts {
		result, err := stmt.ExecContext(ctx, compilationID, a.Path, a.Type, a.SHA256, a.Size)
		if err != nil {
			return fmt.Errorf("failed to record artifact %s: %w", a.Path, err)
		}
		a.CompilationID = compilationID
		if a.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get artifact id: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE compilations SET artifact_count = ? WHERE id = ?`, len(artifacts), compilationID); err != nil {
		return fmt.Errorf("failed to update artifact count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifacts: %w", err)
	}
	return nil
}

// ListArtifacts lists the artifacts of a compilation in emission order
func (s *SQLiteStore) ListArtifacts(ctx context.Context, compilationID string) ([]*Artifact, error) {
	query := `
		SELECT id, compilation_id, path, type, sha256, size
		FROM artifacts
		WHERE compilation_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, compilationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*Artifact{}
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.ID, &a.CompilationID, &a.Path, &a.Type, &a.SHA256, &a.Size); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (id, compilation_id, type, level, path, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.CompilationID,
		event.Type,
		event.Level,
		event.Path,
		event.Message,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents lists the events of a compilation in order
func (s *SQLiteStore) ListEvents(ctx context.Context, compilationID string) ([]*Event, error) {
	query := `
		SELECT id, compilation_id, type, level, path, message, created_at
		FROM events
		WHERE compilation_id = ?
		ORDER BY created_at, rowid
	`

	rows, err := s.db.QueryContext(ctx, query, compilationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.CompilationID, &e.Type, &e.Level, &e.Path, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// ArtifactRecords describes emitted artifacts for RecordArtifacts.
func ArtifactRecords(artifacts []engine.Artifact) []*Artifact {
	out := make([]*Artifact, len(artifacts))
	for i, a := range artifacts {
		sum := sha256.Sum256(a.Content)
		out[i] = &Artifact{
			Path:   a.FileName(),
			Type:   a.Type,
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(a.Content)),
		}
	}
	return out
}
