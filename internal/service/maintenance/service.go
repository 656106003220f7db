package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Records is the part of the record store maintenance works on
type Records interface {
	ResetInterrupted() (int, error)
	DeleteFinishedBefore(cutoff time.Time) (int, error)
}

// Config contains maintenance service configuration
type Config struct {
	// CleanupInterval is how often finished records are pruned
	CleanupInterval time.Duration

	// RecordRetention is how long finished records are kept. Zero disables pruning.
	RecordRetention time.Duration
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: time.Hour,
	}
}

// Service handles startup recovery and periodic pruning of download records
type Service struct {
	config  *Config
	records Records
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service
func New(cfg *Config, records Records, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:  cfg,
		records: records,
		logger:  logger,
		now:     time.Now,
	}
}

// RecoverInterrupted moves records left in Prepare or Progress by a previous
// process to Pause. It must run before any transfer is admitted.
func (s *Service) RecoverInterrupted() (int, error) {
	n, err := s.records.ResetInterrupted()
	if err != nil {
		return 0, fmt.Errorf("recover interrupted downloads: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered interrupted downloads", zap.Int("count", n))
	}
	return n, nil
}

// Start runs the cleanup loop until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.config.RecordRetention > 0 {
		s.logger.Info("maintenance service started",
			zap.Duration("cleanup_interval", s.config.CleanupInterval),
			zap.Duration("record_retention", s.config.RecordRetention))

		s.wg.Add(1)
		go s.maintenanceLoop(ctx)
	} else {
		s.logger.Debug("record retention disabled")
	}

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.pruneFinished()
		}
	}
}

// pruneFinished removes Success, Cancel and Error records older than the retention
func (s *Service) pruneFinished() {
	cutoff := s.now().Add(-s.config.RecordRetention)
	removed, err := s.records.DeleteFinishedBefore(cutoff)
	if err != nil {
		s.logger.Error("failed to prune finished records", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("pruned finished records",
			zap.Int("count", removed),
			zap.Time("cutoff", cutoff))
	}
}
