// Package db opens the primary SQLite store, applies the embedded schema
// migrations and performs startup recovery of interrupted analysis jobs.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InterruptedError is recorded on jobs that were mid-dispatch when the
// process stopped.
const InterruptedError = "interrupted by restart"

// TimeLayout is the fixed-width UTC layout for job timestamps, so they sort
// correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every connection the pool opens gets them,
	// including replacements for connections discarded after a failed DETACH.
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
	}
	dsn := dbPath + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers. The merge engine borrows this
	// connection for its ATTACH/transaction/DETACH sequence.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, logger: logger}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	requeued, failed, err := db.recoverInterruptedJobs(context.Background())
	if err != nil && logger != nil {
		logger.Warn("failed to recover interrupted jobs", "error", err)
	} else if requeued+failed > 0 && logger != nil {
		logger.Info("recovered interrupted analysis jobs", "requeued", requeued, "failed", failed)
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Name() < migrations[j].Name() })

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}

		name := m.Name()

		if d.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}

		if d.logger != nil {
			d.logger.Info("applied migration", "name", name)
		}
	}

	return nil
}

func (d *DB) isMigrationApplied(name string) bool {
	var exists int
	err := d.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = d.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// recoverInterruptedJobs settles jobs stuck in dispatching. A dispatch that
// was in flight when the process died may or may not have reached the
// analysis service; re-sending is safe because the service keys its work on
// videoId. Jobs that already used their last attempt are failed instead, and
// their videos marked as errored.
func (d *DB) recoverInterruptedJobs(ctx context.Context) (requeued, failed int64, err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ts := now.Format(TimeLayout)

	// Video rows keep the catalog's RFC 3339 timestamps.
	if _, err := tx.ExecContext(ctx, `
		UPDATE videos SET status = 'error', analysis_error = ?, updated_at = ?
		WHERE video_id IN (
			SELECT video_id FROM analysis_jobs
			WHERE state = 'dispatching' AND attempt_count >= max_attempts
		)`, InterruptedError, now.Format(time.RFC3339)); err != nil {
		return 0, 0, fmt.Errorf("mark videos of exhausted jobs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET state = 'failed', last_error = ?, next_retry_at = NULL, updated_at = ?
		WHERE state = 'dispatching' AND attempt_count >= max_attempts`,
		InterruptedError, ts)
	if err != nil {
		return 0, 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET state = 'queued', last_error = ?, next_retry_at = NULL, updated_at = ?
		WHERE state = 'dispatching'`,
		InterruptedError, ts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	requeued, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}
