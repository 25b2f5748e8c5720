package redis

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goodtune/kguard/internal/storage"
)

func dailyUsageKey(date, domain string) string {
	return fmt.Sprintf("%susage:daily:%s:%s", keyPrefix, date, domain)
}

func dailyIndexKey(date string) string {
	return fmt.Sprintf("%susage:daily:index:%s", keyPrefix, date)
}

func usageDatesKey() string {
	return keyPrefix + "usage:dates"
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	usage := &storage.DailyUsage{
		Date:   data["date"],
		Domain: data["domain"],
	}
	fields := map[string]*int64{
		"tracked_seconds":   &usage.TrackedSeconds,
		"flushed_seconds":   &usage.FlushedSeconds,
		"confirmed_seconds": &usage.ConfirmedSeconds,
		"server_seconds":    &usage.ServerSeconds,
	}
	for name, dst := range fields {
		raw, ok := data[name]
		if !ok || raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		*dst = value
	}

	if err := usage.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stored usage: %w", err)
	}
	return usage, nil
}

type validator interface {
	Validate() error
}

func encode(value any) (string, error) {
	if v, ok := value.(validator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("invalid record: %w", err)
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

func decode(data string, out any) error {
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid stored record: %w", err)
		}
	}
	return nil
}
