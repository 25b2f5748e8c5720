package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kguard:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	ruleStore     *ruleStore
	listStore     *listStore
	usageStore    *usageStore
	logStore      *logStore
	settingsStore *settingsStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:        client,
		ruleStore:     &ruleStore{client: client},
		listStore:     &listStore{client: client},
		usageStore:    newUsageStore(client),
		logStore:      &logStore{client: client},
		settingsStore: &settingsStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Rules returns the RuleStore implementation
func (s *Store) Rules() storage.RuleStore { return s.ruleStore }

// Lists returns the ListStore implementation
func (s *Store) Lists() storage.ListStore { return s.listStore }

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore { return s.usageStore }

// Logs returns the LogStore implementation
func (s *Store) Logs() storage.LogStore { return s.logStore }

// Settings returns the SettingsStore implementation
func (s *Store) Settings() storage.SettingsStore { return s.settingsStore }
