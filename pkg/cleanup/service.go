// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/config"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Service periodically hard-deletes superseded memories once they've
// aged past the configured retention window.
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	store  store.Store
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, st store.Store) *Service {
	return &Service{
		config: cfg,
		store:  st,
		now:    time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"superseded_memory_retention_days", s.config.SupersededMemoryRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeSupersededMemories(ctx)
}

func (s *Service) purgeSupersededMemories(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.config.SupersededMemoryRetentionDays)
	count, err := s.store.PurgeSupersededMemories(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: purge superseded memories failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged superseded memories", "count", count)
	}
}
