package settler

import (
	"math"
	"time"
)

const (
	QueueKey   = "settlement:session_end:queue"
	DelayedKey = "settlement:session_end:delayed"
	QueuedKey  = "settlement:session_end:queued"
	DLQKey     = "settlement:session_end:dlq"
)

// Task is a session end that still has to reach the chain.
type Task struct {
	JobID     uint64 `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Enqueued  int64  `json:"enqueued"`
	LastError string `json:"last_error,omitempty"`
}

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial    time.Duration // default 1s
	Max        time.Duration // default 60s
	Base       float64       // default 2
	MaxRetries int           // tries per round, default 3
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 60 * time.Second
	}
	if b.Base < 1 {
		b.Base = 2
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	return b
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt <= 1 {
		return b.Initial
	}
	d := float64(b.Initial) * math.Pow(b.Base, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
