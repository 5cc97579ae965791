// Package redisstore keeps guild documents as Redis strings.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voiceboard/internal/storage"
)

const keyPrefix = "voiceboard:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Store is a storage.Backend on Redis.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis, retrying the initial ping with exponential backoff.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	logger = logger.Named("redisstore")
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.RetryNotify(func() error {
		return rdb.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("Redis not reachable yet", zap.Error(err), zap.Duration("retryIn", wait))
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Store{rdb: rdb, logger: logger}, nil
}

// Client exposes the underlying client so the event publisher can share it.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func key(guildID string, doc storage.Document) string {
	return fmt.Sprintf("%sguild:%s:%s", keyPrefix, guildID, doc)
}

// GuildIDs scans for every guild that has a stored document.
func (s *Store) GuildIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"guild:*", 0).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(strings.TrimPrefix(iter.Val(), keyPrefix), ":")
		if len(parts) != 3 || !storage.Document(parts[2]).Valid() {
			continue
		}
		seen[parts[1]] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan guild keys: %w", err)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads one document.
func (s *Store) Load(ctx context.Context, guildID string, doc storage.Document) ([]byte, error) {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, key(guildID, doc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s for guild %s: %w", doc, guildID, err)
	}
	return data, nil
}

// Save replaces one document.
func (s *Store) Save(ctx context.Context, guildID string, doc storage.Document, data []byte) error {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key(guildID, doc), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s for guild %s: %w", doc, guildID, err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
