package queue

import (
	"context"
	"time"
)

// ItemStatus represents the status of a work item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
)

// DefaultMaxRetries is applied when an enqueue request does not specify
// a retry budget.
const DefaultMaxRetries = 3

// WorkItem represents one unit of distributable work within a run.
type WorkItem struct {
	ID           int64      `json:"id"`
	RunID        string     `json:"run_id"`
	ScraperName  string     `json:"scraper_name"`
	URL          string     `json:"url"`
	URLHash      string     `json:"url_hash"`
	Priority     int        `json:"priority"`
	Status       ItemStatus `json:"status"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EnqueueRequest inserts a batch of URLs for one run. Duplicate
// (run_id, url_hash) pairs are silent no-ops.
type EnqueueRequest struct {
	RunID       string
	ScraperName string
	URLs        []string
	Priority    int
	MaxRetries  int
}

// ClaimRequest pulls a disjoint batch of pending work for one worker.
// Lease is advisory here: expiry is enforced by the supervisor sweep,
// not by the datastore.
type ClaimRequest struct {
	WorkerID    string
	ScraperName string
	RunID       string
	BatchSize   int
	Lease       time.Duration
}

// Stats holds per-status counts for one run.
type Stats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	Remaining int `json:"remaining"`
}

// Queue defines the distributed work queue. The datastore is the sole
// source of truth for claim state; implementations keep no in-memory
// cache.
type Queue interface {
	// Enqueue inserts the request's URLs and returns the number of
	// genuinely new rows.
	Enqueue(ctx context.Context, req EnqueueRequest) (int, error)

	// ClaimBatch atomically flips up to BatchSize pending,
	// under-retry-limit items to claimed for one worker. Two concurrent
	// callers never receive overlapping items. An empty queue yields an
	// empty batch, not an error.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]WorkItem, error)

	// Complete finishes a claimed item. Failure increments retry_count
	// and returns the item to pending while under its retry budget,
	// else marks it terminally failed.
	Complete(ctx context.Context, id int64, success bool, errMsg string) error

	// ReleaseExpiredLeases sweeps claimed items whose lease has elapsed
	// back to pending with retry_count incremented. Run by a
	// supervisor, not by workers.
	ReleaseExpiredLeases(ctx context.Context, lease time.Duration) (int, error)

	// Stats returns per-status counts for a run.
	Stats(ctx context.Context, runID, scraperName string) (Stats, error)

	// HealthCheck verifies the datastore connection is healthy.
	HealthCheck(ctx context.Context) error

	// Close releases the datastore connection.
	Close() error
}
