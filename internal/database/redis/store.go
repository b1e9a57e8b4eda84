package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/gomodule/redigo/redis"
)

func timeoutDialOptions(cfg config.Redis) []redis.DialOption {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}
	return opts
}

// Store keeps the chain status cache in Redis and publishes chain snapshots
// and swap state events on pub/sub channels.
type Store struct {
	pool          *redis.Pool
	prefix        string
	statusChannel string
	eventsChannel string
}

// New creates a Redis store from configuration
func New(cfg config.Redis) *Store {
	addr := cfg.Addr()
	pool := &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 5 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions(cfg)...) },
	}
	return NewWithPool(pool, cfg)
}

// NewWithPool creates a Redis store on an existing pool
func NewWithPool(pool *redis.Pool, cfg config.Redis) *Store {
	return &Store{
		pool:          pool,
		prefix:        cfg.KeyPrefix,
		statusChannel: cfg.StatusChannel,
		eventsChannel: cfg.EventsChannel,
	}
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

func (s *Store) statusKey(chain types.Chain) string {
	return fmt.Sprintf("%schain-status:%s", s.prefix, chain)
}

// UpsertStatus stores the snapshot and publishes it on the status channel
func (s *Store) UpsertStatus(ctx context.Context, status types.ChainStatus) error {
	buf, err := json.Marshal(status)
	if err != nil {
		return err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("SET", s.statusKey(status.Chain), buf); err != nil {
		return fmt.Errorf("error redis set: %w", err)
	}
	if s.statusChannel != "" {
		if _, err := conn.Do("PUBLISH", s.statusChannel, buf); err != nil {
			return fmt.Errorf("error redis publish: %w", err)
		}
	}
	return nil
}

// ListStatuses returns the cached snapshots of every chain that has one
func (s *Store) ListStatuses(ctx context.Context) ([]types.ChainStatus, error) {
	chains := types.AllChains()
	keys := make([]interface{}, 0, len(chains))
	for _, chain := range chains {
		keys = append(keys, s.statusKey(chain))
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	values, err := redis.ByteSlices(conn.Do("MGET", keys...))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, fmt.Errorf("error redis mget: %w", err)
	}

	statuses := make([]types.ChainStatus, 0, len(values))
	for _, buf := range values {
		if buf == nil {
			continue
		}
		var status types.ChainStatus
		if err := json.Unmarshal(buf, &status); err != nil {
			return nil, fmt.Errorf("failed to decode chain status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Publish sends a JSON encoded event on the swap events channel
func (s *Store) Publish(ctx context.Context, event interface{}) error {
	if s.eventsChannel == "" {
		return nil
	}
	buf, err := json.Marshal(event)
	if err != nil {
		return err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("PUBLISH", s.eventsChannel, buf)
	return err
}

// PublishHealth sends a JSON encoded system health snapshot on the status channel
func (s *Store) PublishHealth(ctx context.Context, health types.SystemHealth) error {
	if s.statusChannel == "" {
		return nil
	}
	buf, err := json.Marshal(health)
	if err != nil {
		return err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("PUBLISH", s.statusChannel, buf)
	return err
}

// Close releases the pool
func (s *Store) Close() error {
	return s.pool.Close()
}
