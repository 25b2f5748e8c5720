package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	blockLogKey   = keyPrefix + "logs:block"   // sorted set scored by unix millis
	historyLogKey = keyPrefix + "logs:history" // list, newest at the head
	settingsKey   = keyPrefix + "settings"
)

type logStore struct {
	client *redis.Client
}

func (s *logStore) AddBlockLog(ctx context.Context, entry storage.BlockLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Action == "" {
		entry.Action = storage.ActionBlocked
	}
	if entry.ID == "" {
		entry.ID = storage.NewID()
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, blockLogKey, redis.Z{
		Score:  float64(entry.Timestamp.UnixMilli()),
		Member: data,
	}).Err()
}

func (s *logStore) AddHistoryLog(ctx context.Context, entry storage.HistoryLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = storage.NewID()
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, historyLogKey, data).Err()
}

// ListBlockLogs returns entries at or after since, newest first
func (s *logStore) ListBlockLogs(ctx context.Context, since time.Time) ([]storage.BlockLogEntry, error) {
	members, err := s.client.ZRevRangeByScore(ctx, blockLogKey, &redis.ZRangeBy{
		Max: "+inf",
		Min: strconv.FormatInt(since.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]storage.BlockLogEntry, 0, len(members))
	for _, member := range members {
		var entry storage.BlockLogEntry
		if err := decode(member, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListHistoryLogs returns up to limit entries, newest first
func (s *logStore) ListHistoryLogs(ctx context.Context, limit int) ([]storage.HistoryLogEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.LRange(ctx, historyLogKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]storage.HistoryLogEntry, 0, len(members))
	for _, member := range members {
		var entry storage.HistoryLogEntry
		if err := decode(member, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *logStore) DeleteBlockLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, blockLogKey, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	return int(n), err
}

func (s *logStore) TrimHistoryLogs(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	length, err := s.client.LLen(ctx, historyLogKey).Result()
	if err != nil {
		return 0, err
	}
	excess := int(length) - keep
	if excess <= 0 {
		return 0, nil
	}
	if keep == 0 {
		return excess, s.client.Del(ctx, historyLogKey).Err()
	}
	if err := s.client.LTrim(ctx, historyLogKey, 0, int64(keep-1)).Err(); err != nil {
		return 0, err
	}
	return excess, nil
}

type settingsStore struct {
	client *redis.Client
}

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	data, err := s.client.Get(ctx, settingsKey).Result()
	if errors.Is(err, redis.Nil) {
		defaults := storage.DefaultSettings()
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}
	var settings storage.Settings
	if err := decode(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	data, err := encode(settings)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, settingsKey, data, 0).Err()
}
