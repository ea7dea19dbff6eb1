package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for an unknown CID.
var ErrNotFound = errors.New("proof blob not found")

// Store persists proof payloads and returns a content identifier.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

// RedisStore is a content-addressed store keyed by the keccak256 of the payload.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore keeps blobs for ttl; zero keeps them forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func blobKey(cid string) string { return "proof:blob:" + cid }

// ContentID is the identifier RedisStore assigns to data.
func ContentID(data []byte) string {
	return hexutil.Encode(crypto.Keccak256(data))
}

func (s *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	cid := ContentID(data)
	if err := s.rdb.Set(ctx, blobKey(cid), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store proof %s: %w", cid, err)
	}
	return cid, nil
}

func (s *RedisStore) Get(ctx context.Context, cid string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, blobKey(cid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return nil, fmt.Errorf("load proof %s: %w", cid, err)
	}
	return data, nil
}
