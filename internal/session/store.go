package session

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "settlement:session:"

func sessionKey(jobID uint64) string {
	return sessionKeyPrefix + strconv.FormatUint(jobID, 10)
}

// Store persists sessions as one Redis hash each.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Save(ctx context.Context, i Info) error {
	deposit := "0"
	if i.Deposit != nil {
		deposit = i.Deposit.String()
	}
	return s.rdb.HSet(ctx, sessionKey(i.JobID),
		"job_id", i.JobID,
		"chain_id", i.ChainID,
		"payer", i.Payer.Hex(),
		"host", i.Host.Hex(),
		"deposit", deposit,
		"payment_token", i.PaymentToken.Hex(),
		"tokens_consumed", i.TokensConsumed,
		"created_at", i.CreatedAt.Unix(),
		"last_activity", i.LastActivity.Unix(),
		"state", string(i.State),
		"conversation_cid", i.ConversationCID,
	).Err()
}

func (s *Store) UpdateActivity(ctx context.Context, jobID, tokens uint64, at time.Time) error {
	return s.rdb.HSet(ctx, sessionKey(jobID),
		"tokens_consumed", tokens,
		"last_activity", at.Unix(),
	).Err()
}

func (s *Store) Get(ctx context.Context, jobID uint64) (*Info, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return infoFromMap(vals)
}

func (s *Store) Delete(ctx context.Context, jobID uint64) error {
	return s.rdb.Del(ctx, sessionKey(jobID)).Err()
}

// ScanAll returns every persisted session.
func (s *Store) ScanAll(ctx context.Context) ([]Info, error) {
	var out []Info
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			info, err := infoFromMap(vals)
			if err != nil {
				continue
			}
			out = append(out, *info)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func infoFromMap(m map[string]string) (*Info, error) {
	jobID, err := strconv.ParseUint(m["job_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job_id: %w", err)
	}
	chainID, _ := strconv.ParseUint(m["chain_id"], 10, 64)
	tokens, _ := strconv.ParseUint(m["tokens_consumed"], 10, 64)
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	last, _ := strconv.ParseInt(m["last_activity"], 10, 64)
	deposit, ok := new(big.Int).SetString(m["deposit"], 10)
	if !ok {
		deposit = new(big.Int)
	}
	state := State(m["state"])
	if state != StateEnded {
		state = StateActive
	}
	return &Info{
		JobID:           jobID,
		ChainID:         chainID,
		Payer:           common.HexToAddress(m["payer"]),
		Host:            common.HexToAddress(m["host"]),
		Deposit:         deposit,
		PaymentToken:    common.HexToAddress(m["payment_token"]),
		TokensConsumed:  tokens,
		CreatedAt:       time.Unix(created, 0),
		LastActivity:    time.Unix(last, 0),
		State:           state,
		ConversationCID: m["conversation_cid"],
	}, nil
}
