package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

type settingsStore struct {
	db *bbolt.DB
}

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	settings, err := getBucketValue[storage.Settings](ctx, s.db, bucketSettings, keySettings)
	if errors.Is(err, storage.ErrNotFound) {
		defaults := storage.DefaultSettings()
		return &defaults, nil
	}
	return settings, err
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	return putBucketValue(ctx, s.db, bucketSettings, keySettings, settings)
}
