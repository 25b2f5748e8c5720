package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/kguard/internal/backend"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/google/uuid"
)

// maxRegisterAttempts bounds device registration retries per pull.
const maxRegisterAttempts = 4

var registerInitialInterval = 500 * time.Millisecond

// registerDevice stores a fresh device id and registers it with the
// backend, retrying transient failures.
func (s *Syncer) registerDevice(ctx context.Context, creds backend.Credentials, settings *storage.Settings) error {
	settings.DeviceID = uuid.NewString()
	if err := s.store.Settings().Put(ctx, *settings); err != nil {
		return fmt.Errorf("save device id: %w", err)
	}

	creds.ChildID = settings.ChildID
	creds.DeviceID = settings.DeviceID
	device := backend.Device{
		ChildID:    settings.ChildID,
		DeviceID:   settings.DeviceID,
		DeviceName: s.config.DeviceName,
		DeviceType: s.config.DeviceType,
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = registerInitialInterval
	expo.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(expo, maxRegisterAttempts-1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.client.RegisterDevice(ctx, creds, device)
		if errors.Is(err, backend.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}, retry)
	if err != nil {
		return fmt.Errorf("register device after %d attempts: %w", attempt, err)
	}

	s.logger.Info().Str("device_id", settings.DeviceID).Msg("Device registered")
	return nil
}
