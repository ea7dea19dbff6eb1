package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventType names a settlement lifecycle step.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetry     EventType = "retry"
)

// Event is one entry of a job's settlement log.
type Event struct {
	ID      string    `json:"id"`
	JobID   uint64    `json:"job_id"`
	ChainID uint64    `json:"chain_id"`
	Type    EventType `json:"type"`
	Action  string    `json:"action"` // checkpoint, session_end
	Tokens  uint64    `json:"tokens,omitempty"`
	TxHash  string    `json:"tx_hash,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// EventLog records settlement events per job.
type EventLog interface {
	Record(ctx context.Context, ev Event) error
	Events(ctx context.Context, jobID uint64, limit int64) ([]Event, error)
}

const (
	eventKeyPrefix  = "settlement:events:"
	maxEventsPerJob = 200
)

// RedisEventLog keeps the newest events of each job in a capped list.
type RedisEventLog struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEventLog(rdb *redis.Client, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{rdb: rdb, ttl: ttl}
}

func eventKey(jobID uint64) string { return eventKeyPrefix + strconv.FormatUint(jobID, 10) }

func (l *RedisEventLog) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := eventKey(ev.JobID)
	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, maxEventsPerJob-1)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Events returns up to limit events, newest first.
func (l *RedisEventLog) Events(ctx context.Context, jobID uint64, limit int64) ([]Event, error) {
	if limit <= 0 || limit > maxEventsPerJob {
		limit = maxEventsPerJob
	}
	raw, err := l.rdb.LRange(ctx, eventKey(jobID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("load events for job %d: %w", jobID, err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
