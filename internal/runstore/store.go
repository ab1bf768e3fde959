package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix    = "pai"
	defaultTTL       = 24 * time.Hour
	defaultRecentCap = 100
)

// Config describes the redis connection and retention.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	RecentCap int64         `mapstructure:"recent_cap"`
}

// Store caches run records in redis. Each record lives under its own key
// with a TTL; a capped list keeps the most recent run ids, newest first.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	recentCap int64
	logger    *zap.Logger
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		client:    client,
		prefix:    cfg.Prefix,
		ttl:       cfg.TTL,
		recentCap: cfg.RecentCap,
		logger:    logger,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.recentCap <= 0 {
		s.recentCap = defaultRecentCap
	}
	return s
}

func (s *Store) runKey(runID string) string { return s.prefix + ":run:" + runID }
func (s *Store) recentKey() string         { return s.prefix + ":runs:recent" }

// Save stores rec and pushes its id onto the recent list.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.RunID == "" {
		return errors.New("record requires a run id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.RunID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(rec.RunID), data, s.ttl)
	pipe.LRem(ctx, s.recentKey(), 0, rec.RunID)
	pipe.LPush(ctx, s.recentKey(), rec.RunID)
	pipe.LTrim(ctx, s.recentKey(), 0, s.recentCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache run %s: %w", rec.RunID, err)
	}

	s.logger.Debug("Cached run report",
		zap.String("run_id", rec.RunID),
		zap.Duration("ttl", s.ttl),
	)
	return nil
}

// Get returns the cached record for runID or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &rec, nil
}

// Recent returns up to limit run ids, newest first. Ids whose record has
// expired are skipped.
func (s *Store) Recent(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 || limit > s.recentCap {
		limit = s.recentCap
	}
	ids, err := s.client.LRange(ctx, s.recentKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	counts, err := s.client.Exists(ctx, keys...).Result()
	if err != nil || counts == int64(len(ids)) {
		return ids, nil
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.runKey(id)).Result()
		if err == nil && n > 0 {
			live = append(live, id)
		}
	}
	return live, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
