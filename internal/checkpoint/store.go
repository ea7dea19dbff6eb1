package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const trackerKeyPrefix = "settlement:tracker:"

// Store persists tracker counters so owed usage survives a restart.
type Store interface {
	Save(ctx context.Context, r Record) error
	Delete(ctx context.Context, jobID uint64) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// Record is the persisted form of a tracker.
type Record struct {
	JobID     uint64
	SessionID string
	Total     uint64
	Baseline  uint64
	Credit    uint64
	Proven    uint64
	Ended     bool
	Pending   *submission
}

func recordOf(t *tracker) Record {
	r := Record{
		JobID:     t.jobID,
		SessionID: t.sessionID,
		Total:     t.total,
		Baseline:  t.baseline,
		Credit:    t.credit,
		Proven:    t.proven,
		Ended:     t.state == Ended,
	}
	if t.pending != nil {
		p := *t.pending
		r.Pending = &p
	}
	return r
}

func (r Record) tracker() *tracker {
	t := &tracker{
		jobID:     r.JobID,
		sessionID: r.SessionID,
		total:     r.Total,
		baseline:  r.Baseline,
		credit:    r.Credit,
		proven:    r.Proven,
		state:     Active,
		pending:   r.Pending,
		updated:   time.Now(),
	}
	if r.Ended {
		t.state = Ended
	}
	return t
}

// RedisStore keeps one hash per job.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func trackerKey(jobID uint64) string { return trackerKeyPrefix + jobKey(jobID) }

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	state := Active
	if r.Ended {
		state = Ended
	}
	fields := []any{
		"job_id", r.JobID,
		"session_id", r.SessionID,
		"total", r.Total,
		"baseline", r.Baseline,
		"credit", r.Credit,
		"proven", r.Proven,
		"state", state.String(),
	}
	key := trackerKey(r.JobID)
	pipe := s.rdb.TxPipeline()
	if r.Pending != nil {
		fields = append(fields,
			"pending_tx", r.Pending.TxHash.Hex(),
			"pending_covers", r.Pending.Covers,
			"pending_used", r.Pending.Used,
			"pending_claimed", r.Pending.Claimed,
			"pending_extra", r.Pending.Extra,
			"pending_sent_at", r.Pending.SentAt.Unix(),
		)
	} else {
		pipe.HDel(ctx, key, "pending_tx", "pending_covers", "pending_used",
			"pending_claimed", "pending_extra", "pending_sent_at")
	}
	pipe.HSet(ctx, key, fields...)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, jobID uint64) error {
	return s.rdb.Del(ctx, trackerKey(jobID)).Err()
}

// LoadAll scans every persisted tracker.
func (s *RedisStore) LoadAll(ctx context.Context) ([]Record, error) {
	var out []Record
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, trackerKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan trackers: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			r, err := recordFromMap(vals)
			if err != nil {
				continue
			}
			out = append(out, r)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func recordFromMap(m map[string]string) (Record, error) {
	jobID, err := strconv.ParseUint(m["job_id"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("job_id: %w", err)
	}
	u := func(k string) uint64 {
		v, _ := strconv.ParseUint(m[k], 10, 64)
		return v
	}
	r := Record{
		JobID:     jobID,
		SessionID: m["session_id"],
		Total:     u("total"),
		Baseline:  u("baseline"),
		Credit:    u("credit"),
		Proven:    u("proven"),
		Ended:     parseState(m["state"]) == Ended,
	}
	if tx := m["pending_tx"]; tx != "" {
		sentAt, _ := strconv.ParseInt(m["pending_sent_at"], 10, 64)
		r.Pending = &submission{
			TxHash:  common.HexToHash(tx),
			Covers:  u("pending_covers"),
			Used:    u("pending_used"),
			Claimed: u("pending_claimed"),
			Extra:   u("pending_extra"),
			SentAt:  time.Unix(sentAt, 0),
		}
	}
	return r, nil
}
