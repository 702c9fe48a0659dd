// Package redis keeps dedup and cooldown state in two Redis hashes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"signal-radar/internal/model"
)

// Config configures the Redis state backend.
type Config struct {
	Addr        string        `yaml:"addr" default:"localhost:6379"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix" default:"signal-radar"`
	MaxFailures int           `yaml:"max_failures" default:"3"`
	OpenFor     time.Duration `yaml:"open_for" default:"30s"`
}

// Backend is a model.StateBackend over Redis.
//
//	<prefix>:seen     hash fingerprint -> first_seen_at (unix nanos)
//	<prefix>:buckets  hash bucket key  -> JSON {last_sent_at, cooldown_seconds}
type Backend struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	prefix  string
}

// Client returns the underlying Redis client for health checks.
func (b *Backend) Client() *goredis.Client { return b.client }

// Breaker exposes the circuit breaker for state reporting.
func (b *Backend) Breaker() *CircuitBreaker { return b.breaker }

// New builds the backend and pings the server once. An unreachable server is
// logged, not fatal: the first Load fails instead and the run reports it as
// unavailable state.
func New(cfg Config) *Backend {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("[redis] ping failed", "addr", cfg.Addr, "error", err)
	} else {
		slog.Info("[redis] connected", "addr", cfg.Addr)
	}

	b := &Backend{
		client:  client,
		breaker: NewCircuitBreaker(cfg.MaxFailures, cfg.OpenFor, nil),
		prefix:  cfg.Prefix,
	}
	b.breaker.OnStateChange = func(from, to BreakerState) {
		slog.Warn("[redis] circuit breaker", "from", from.String(), "to", to.String())
	}
	return b
}

// Reset drops both hashes. Used when their contents fail to decode.
func (b *Backend) Reset(ctx context.Context) error {
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.client.Del(ctx, b.seenKey(), b.bucketsKey()).Err()
	})
	if err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	slog.Warn("[redis] state reset", "prefix", b.prefix)
	return nil
}

func (b *Backend) seenKey() string    { return b.prefix + ":seen" }
func (b *Backend) bucketsKey() string { return b.prefix + ":buckets" }

func (b *Backend) LoadSeen(ctx context.Context) ([]model.DedupRecord, error) {
	var raw map[string]string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = b.client.HGetAll(ctx, b.seenKey()).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis load seen: %w", err)
	}
	return decodeSeen(raw)
}

func (b *Backend) SaveSeen(ctx context.Context, records []model.DedupRecord) error {
	fields := encodeSeen(records)
	return b.replace(ctx, b.seenKey(), fields)
}

func (b *Backend) LoadBuckets(ctx context.Context) ([]model.ChannelBucket, error) {
	var raw map[string]string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = b.client.HGetAll(ctx, b.bucketsKey()).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis load buckets: %w", err)
	}
	return decodeBuckets(raw)
}

func (b *Backend) SaveBuckets(ctx context.Context, buckets []model.ChannelBucket) error {
	fields, err := encodeBuckets(buckets)
	if err != nil {
		return err
	}
	return b.replace(ctx, b.bucketsKey(), fields)
}

// replace swaps the hash contents inside MULTI/EXEC.
func (b *Backend) replace(ctx context.Context, key string, fields map[string]interface{}) error {
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// ── codec ──

type bucketValue struct {
	LastSentAt      int64 `json:"last_sent_at"`
	CooldownSeconds int   `json:"cooldown_seconds"`
}

func encodeSeen(records []model.DedupRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(records))
	for _, r := range records {
		out[r.Fingerprint] = strconv.FormatInt(r.FirstSeenAt.UnixNano(), 10)
	}
	return out
}

func decodeSeen(raw map[string]string) ([]model.DedupRecord, error) {
	out := make([]model.DedupRecord, 0, len(raw))
	for fp, v := range raw {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: seen %q: %v", model.ErrCorruptState, fp, err)
		}
		out = append(out, model.DedupRecord{Fingerprint: fp, FirstSeenAt: time.Unix(0, ns).UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out, nil
}

func encodeBuckets(buckets []model.ChannelBucket) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(buckets))
	for _, bk := range buckets {
		data, err := json.Marshal(bucketValue{
			LastSentAt:      bk.LastSentAt.UnixNano(),
			CooldownSeconds: bk.CooldownSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("redis encode bucket %s: %w", bk.Key, err)
		}
		out[bk.Key] = string(data)
	}
	return out, nil
}

func decodeBuckets(raw map[string]string) ([]model.ChannelBucket, error) {
	out := make([]model.ChannelBucket, 0, len(raw))
	for key, v := range raw {
		var bv bucketValue
		if err := json.Unmarshal([]byte(v), &bv); err != nil {
			return nil, fmt.Errorf("%w: bucket %q: %v", model.ErrCorruptState, key, err)
		}
		out = append(out, model.ChannelBucket{
			Key:             key,
			LastSentAt:      time.Unix(0, bv.LastSentAt).UTC(),
			CooldownSeconds: bv.CooldownSeconds,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
