package keystore

import (
	"context"
	"time"

	"chain-ledger/internal/async"
)

// Service runs the rotation and expiry sweeps on a fixed interval. Failed
// sweeps are logged and retried on the next tick.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *Store
	interval time.Duration
}

// NewService initializes the rotation service around a key store.
func NewService(ctx context.Context, store *Store, interval time.Duration) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		interval: interval,
	}
}

// Start the rotation sweep loop.
func (s *Service) Start() {
	log.WithField("interval", s.interval).Info("Starting key rotation service")
	async.RunEvery(s.ctx, s.interval, s.tick)
}

// Stop the rotation sweep loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping key rotation service")
	return nil
}

// Status always reports healthy; sweep failures are retried, not fatal.
func (s *Service) Status() error {
	return nil
}

func (s *Service) tick() {
	if _, err := s.store.RotateExpiring(s.ctx); err != nil {
		log.WithError(err).Error("Rotation sweep failed")
	}
	if _, err := s.store.SweepExpired(s.ctx); err != nil {
		log.WithError(err).Error("Expiry sweep failed")
	}
}
