package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
)

// withLock runs fn while holding key. Acquisition is retried with
// exponential backoff and gives up with domain.ErrBookingBusy.
func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	token, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (s *Service) acquire(ctx context.Context, key string) (string, error) {
	for attempt := 0; attempt < s.cfg.LockAttempts; attempt++ {
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %v: %w", key, err, domain.ErrDependencyUnavailable)
		}
		if ok {
			return token, nil
		}
		if attempt < s.cfg.LockAttempts-1 {
			backoff := s.cfg.LockBackoff << attempt
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("lock %s: %w", key, domain.ErrBookingBusy)
}
