package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteQueue implements the Queue interface using SQLite.
//
// SQLite has no locking read that skips rows held by another
// transaction, so the claim uses the fallback design: the immediate
// transaction lock serializes writers and the UPDATE carries a
// compare-and-swap guard on status. Claims therefore never overlap and
// never stall for longer than the busy timeout.
type SQLiteQueue struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Config holds SQLite queue configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteQueue creates a new SQLite queue instance.
func NewSQLiteQueue(cfg Config) (*SQLiteQueue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteQueue{
		path: cfg.Path,
		now:  time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode. The
// driver applies _pragma values on every new connection, so pooled
// connections all carry the busy timeout.
func (q *SQLiteQueue) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", q.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	q.db = db
	return nil
}

// Close closes the database connection.
func (q *SQLiteQueue) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (q *SQLiteQueue) Migrate(_ context.Context) error {
	if q.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(q.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Enqueue inserts the request's URLs with the content hash as natural
// key. Duplicates within the run are silent no-ops; the return value
// counts genuinely new rows.
func (q *SQLiteQueue) Enqueue(ctx context.Context, req EnqueueRequest) (int, error) {
	if req.RunID == "" || req.ScraperName == "" {
		return 0, fmt.Errorf("run_id and scraper_name are required")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO work_items (run_id, scraper_name, url, url_hash, priority, status, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(run_id, url_hash) DO NOTHING
	`

	inserted := 0
	now := q.now().UTC()
	for _, url := range req.URLs {
		result, err := tx.ExecContext(ctx, query,
			req.RunID,
			req.ScraperName,
			url,
			URLHash(url),
			req.Priority,
			maxRetries,
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue item: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(rows)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return inserted, nil
}

// ClaimBatch atomically claims up to BatchSize pending items for one
// worker: priority descending, then insertion order. The whole claim is
// one short-held write transaction.
func (q *SQLiteQueue) ClaimBatch(ctx context.Context, req ClaimRequest) ([]WorkItem, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	if req.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", req.BatchSize)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `
		SELECT id FROM work_items
		WHERE run_id = ? AND scraper_name = ? AND status = 'pending' AND retry_count < max_retries
		ORDER BY priority DESC, id ASC
		LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, selectQuery, req.RunID, req.ScraperName, req.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable items: %w", err)
	}

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating claimable items: %w", err)
	}
	rows.Close()

	// Empty queue is an empty batch, not an error.
	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit empty claim: %w", err)
		}
		return []WorkItem{}, nil
	}

	// CAS guard: the status check excludes any row flipped since the
	// select, though the immediate transaction lock already serializes
	// concurrent claimers.
	updateQuery := fmt.Sprintf(`
		UPDATE work_items
		SET status = 'claimed', worker_id = ?, claimed_at = ?
		WHERE id IN (%s) AND status = 'pending'
	`, placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, req.WorkerID, q.now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to claim items: %w", err)
	}

	fetchQuery := fmt.Sprintf(`
		SELECT id, run_id, scraper_name, url, url_hash, priority, status,
		       worker_id, claimed_at, completed_at, retry_count, max_retries,
		       error_message, created_at
		FROM work_items
		WHERE id IN (%s) AND worker_id = ?
		ORDER BY priority DESC, id ASC
	`, placeholders(len(ids)))

	fetchArgs := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		fetchArgs = append(fetchArgs, id)
	}
	fetchArgs = append(fetchArgs, req.WorkerID)

	itemRows, err := tx.QueryContext(ctx, fetchQuery, fetchArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claimed items: %w", err)
	}
	defer itemRows.Close()

	items := []WorkItem{}
	for itemRows.Next() {
		item, err := scanWorkItem(itemRows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return items, nil
}

// Complete finishes a claimed item. On failure the retry counter
// increments; the item returns to pending while under its budget, else
// it is terminally failed.
func (q *SQLiteQueue) Complete(ctx context.Context, id int64, success bool, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if success {
		result, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'completed', completed_at = ?, error_message = NULL
			WHERE id = ?
		`, q.now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to complete item: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("work item not found: %d", id)
		}
		return tx.Commit()
	}

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM work_items WHERE id = ?`, id,
	).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return fmt.Errorf("work item not found: %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read item: %w", err)
	}

	retryCount++
	if retryCount < maxRetries {
		// Back to pending for reclaiming by any worker.
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			    retry_count = ?, error_message = ?
			WHERE id = ?
		`, retryCount, errMsg, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'failed', completed_at = ?, retry_count = ?, error_message = ?
			WHERE id = ?
		`, q.now().UTC(), retryCount, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("failed to record item failure: %w", err)
	}

	return tx.Commit()
}

// ReleaseExpiredLeases sweeps claimed items whose claimed_at predates
// the lease window back to pending with retry_count incremented.
func (q *SQLiteQueue) ReleaseExpiredLeases(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := q.now().UTC().Add(-lease)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, claimed_at FROM work_items WHERE status = 'claimed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to select claimed items: %w", err)
	}

	expired := []int64{}
	for rows.Next() {
		var id int64
		var claimedAt time.Time
		if err := rows.Scan(&id, &claimedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan claimed item: %w", err)
		}
		if claimedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating claimed items: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE work_items
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
		    retry_count = retry_count + 1
		WHERE id IN (%s) AND status = 'claimed'
	`, placeholders(len(expired)))

	args := make([]interface{}, len(expired))
	for i, id := range expired {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(released), nil
}

// Stats returns per-status counts for a run.
func (q *SQLiteQueue) Stats(ctx context.Context, runID, scraperName string) (Stats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM work_items
		WHERE run_id = ? AND scraper_name = ?
		GROUP BY status
	`

	rows, err := q.db.QueryContext(ctx, query, runID, scraperName)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch ItemStatus(status) {
		case ItemStatusPending:
			stats.Pending = count
		case ItemStatusClaimed:
			stats.Claimed = count
		case ItemStatusCompleted:
			stats.Completed = count
		case ItemStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating stats: %w", err)
	}

	stats.Remaining = stats.Pending + stats.Claimed
	return stats, nil
}

// HealthCheck verifies the database connection is healthy.
func (q *SQLiteQueue) HealthCheck(ctx context.Context) error {
	if q.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return q.db.PingContext(ctx)
}

// scanner abstracts *sql.Row and *sql.Rows for scanWorkItem.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkItem(s scanner) (WorkItem, error) {
	item := WorkItem{}
	err := s.Scan(
		&item.ID,
		&item.RunID,
		&item.ScraperName,
		&item.URL,
		&item.URLHash,
		&item.Priority,
		&item.Status,
		&item.WorkerID,
		&item.ClaimedAt,
		&item.CompletedAt,
		&item.RetryCount,
		&item.MaxRetries,
		&item.ErrorMessage,
		&item.CreatedAt,
	)
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to scan work item: %w", err)
	}
	return item, nil
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
