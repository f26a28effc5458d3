package queue

import (
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrJobNotFound = errors.New("job not found")

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the persisted record of one unit of work. It is stored as JSON
// under queue:<name>:job:<id>.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attemptsMade"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"failedReason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	RunAt       *time.Time      `json:"runAt,omitempty"`
}

// Decode unmarshals the job payload into dst.
func (j *Job) Decode(dst any) error {
	return json.Unmarshal(j.Payload, dst)
}

// Options are the per-queue job defaults.
type Options struct {
	MaxAttempts int
	// Backoff is the delay before the first retry; retry n waits
	// Backoff * 2^(n-1).
	Backoff time.Duration
	// Retention is how long completed jobs stay readable for status polling.
	Retention time.Duration
	// Lease is how long a worker's claim survives without a heartbeat.
	Lease time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Retention:   24 * time.Hour,
		Lease:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	return o
}

// retryDelay returns the wait before the next attempt after attempt n failed.
func (o Options) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return o.Backoff << (attempt - 1)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newJobID returns a lexicographically sortable job identifier.
func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
