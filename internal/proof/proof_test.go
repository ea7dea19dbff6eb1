package proof

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// ── signing ───────────────────────────────────────────────────────────────────

func TestSign_RecoversHost(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	host := crypto.PubkeyToAddress(key.PublicKey)
	hash := Hash([]byte("payload"))

	sig, err := Sign(key, hash, 1000)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	got, err := Recover(hash, host, 1000, sig)
	require.NoError(t, err)
	require.Equal(t, host, got)
}

func TestSign_BindsTokenCount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	host := crypto.PubkeyToAddress(key.PublicKey)
	hash := Hash([]byte("payload"))

	sig, err := Sign(key, hash, 1000)
	require.NoError(t, err)

	got, err := Recover(hash, host, 1001, sig)
	require.NoError(t, err)
	require.NotEqual(t, host, got, "signature must not verify for a different token count")
}

func TestDigest_PackedLayout(t *testing.T) {
	hash := [32]byte{0xaa}
	host := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	packed := make([]byte, 84)
	packed[0] = 0xaa
	packed[51] = 0xbb
	packed[83] = 0x05
	require.Equal(t, crypto.Keccak256Hash(packed), common.Hash(Digest(hash, host, 5)))
}

// ── prover ────────────────────────────────────────────────────────────────────

func TestAttestationProver(t *testing.T) {
	host := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p := NewAttestationProver(host)

	raw, err := p.Prove(context.Background(), Request{ChainID: 84532, JobID: 42, Tokens: 100, Cumulative: 100})
	require.NoError(t, err)

	var a Attestation
	require.NoError(t, json.Unmarshal(raw, &a))
	require.Equal(t, uint64(42), a.JobID)
	require.Equal(t, uint64(84532), a.ChainID)
	require.Equal(t, host.Hex(), a.Host)
	require.NotEmpty(t, a.Nonce)

	again, err := p.Prove(context.Background(), Request{ChainID: 84532, JobID: 42, Tokens: 100, Cumulative: 100})
	require.NoError(t, err)
	require.NotEqual(t, Hash(raw), Hash(again), "each attestation carries a fresh nonce")

	_, err = p.Prove(context.Background(), Request{JobID: 42})
	require.Error(t, err)
}

// ── stores ────────────────────────────────────────────────────────────────────

func TestRedisStore_PutGet(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, 0)
	ctx := context.Background()

	cid, err := s.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, ContentID([]byte("blob")), cid)

	got, err := s.Get(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), got)

	_, err = s.Get(ctx, "0xdead")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestBridgeClient_Put(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/blobs", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "blob", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cid":"bafy123"}`))
	}))
	defer srv.Close()

	cid, err := NewBridgeClient(srv.URL, "secret").Put(context.Background(), []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, "bafy123", cid)
}

func TestBridgeClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewBridgeClient(srv.URL, "")

	_, err := c.Put(context.Background(), []byte("x"))
	require.Error(t, err)

	_, err = c.Get(context.Background(), "bafy")
	require.True(t, errors.Is(err, ErrNotFound))
}

// ── pipeline ──────────────────────────────────────────────────────────────────

func TestPipeline_Build(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	key, _ := crypto.GenerateKey()
	host := crypto.PubkeyToAddress(key.PublicKey)
	store := NewRedisStore(rdb, 0)
	p := NewPipeline(nil, store, key)

	pow, err := p.Build(context.Background(), Request{ChainID: 84532, JobID: 42, Tokens: 100, Cumulative: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(42), pow.JobID)
	require.Equal(t, uint64(100), pow.TokensClaimed)

	payload, err := store.Get(context.Background(), pow.ProofCID)
	require.NoError(t, err)
	require.Equal(t, Hash(payload), pow.ProofHash)

	signer, err := Recover(pow.ProofHash, host, 100, pow.Signature)
	require.NoError(t, err)
	require.Equal(t, host, signer)
}
