package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/datacleanup/tally/internal/config"
)

var (
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("request_in_flight")
	// ErrKeyReuse means the key was seen before with a different request body.
	ErrKeyReuse = errors.New("idempotency_key_reuse")
)

// CachedResponse is the stored outcome for an idempotency key.
// Status 0 marks a request still in flight.
type CachedResponse struct {
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// Store lets a handler replay a completed response instead of re-executing
// a side-effecting operation.
type Store interface {
	// Begin returns the cached response for key, or (nil, nil) after marking
	// the key in flight, signalling the caller to proceed.
	Begin(ctx context.Context, key, fingerprint string) (*CachedResponse, error)
	// Complete stores the final response under key, replacing the in-flight
	// marker.
	Complete(ctx context.Context, key string, resp CachedResponse) error
	// Abandon drops the in-flight marker so a retry can re-execute.
	Abandon(ctx context.Context, key string) error
}

type StoreParams struct {
	fx.In

	Client *redis.Client
	Log    *zap.Logger
	Config config.Config
}

// RedisStore keeps responses in Redis under a bounded TTL. Losing the store
// degrades replay protection but never corrupts billing state, so Redis
// errors fail open.
type RedisStore struct {
	client      *redis.Client
	log         *zap.Logger
	ttl         time.Duration
	inflightTTL time.Duration
}

// NewStore returns nil when no Redis client is configured; callers skip
// replay protection entirely in that case.
func NewStore(p StoreParams) Store {
	if p.Client == nil {
		return nil
	}
	ttl := p.Config.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:      p.Client,
		log:         p.Log.Named("replay"),
		ttl:         ttl,
		inflightTTL: time.Minute,
	}
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*CachedResponse, error) {
	marker, err := json.Marshal(CachedResponse{Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, key, marker, s.inflightTTL).Result()
	if err != nil {
		s.log.Warn("replay store unreachable, proceeding without replay protection", zap.Error(err))
		return nil, nil
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Marker expired between SETNX and GET; let the request through.
		return nil, nil
	}
	if err != nil {
		s.log.Warn("replay store unreachable, proceeding without replay protection", zap.Error(err))
		return nil, nil
	}

	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	if cached.Fingerprint != fingerprint {
		return nil, ErrKeyReuse
	}
	if cached.Status == 0 {
		return nil, ErrInFlight
	}
	return &cached, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp CachedResponse) error {
	resp.CompletedAt = time.Now().UTC()
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, s.ttl).Err()
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Fingerprint binds an idempotency key to the exact request it was first
// used with.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
