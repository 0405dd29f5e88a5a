package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/approval-engine/internal/config"
	"github.com/spec-kit/approval-engine/internal/domain"
	"github.com/spec-kit/approval-engine/internal/observability"
	apperrors "github.com/spec-kit/approval-engine/pkg/util"
)

// ExpiryService is the slice of the approval service the sweep needs.
type ExpiryService interface {
	ListExpirable(ctx context.Context, limit int) ([]domain.ApprovalRequest, error)
	Expire(ctx context.Context, requestID string) (*domain.ApprovalRequest, error)
}

// ExpiryScanner periodically promotes overdue pending requests to expired.
// Safe to run from multiple instances: a row lost to a concurrent sweep
// fails its status guard and is skipped.
type ExpiryScanner struct {
	service  ExpiryService
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	batch    int
}

// NewExpiryScanner builds the scanner.
func NewExpiryScanner(service ExpiryService, logger *zap.Logger, metrics *observability.Metrics, cfg config.ExpiryConfig) *ExpiryScanner {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &ExpiryScanner{
		service:  service,
		logger:   logger,
		metrics:  metrics,
		interval: cfg.Interval(),
		batch:    batch,
	}
}

// RunOnce performs a single sweep and returns how many requests expired.
// Individual row failures are logged and skipped so one bad row cannot halt
// the sweep.
func (s *ExpiryScanner) RunOnce(ctx context.Context) (int, error) {
	due, err := s.service.ListExpirable(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	failed := 0
	for i := range due {
		if _, err := s.service.Expire(ctx, due[i].ID); err != nil {
			if apperrors.HasCode(err, apperrors.CodeInvalidTransition) {
				// another sweep or a caller got there first; harmless
				continue
			}
			failed++
			s.logger.Warn("failed to expire request",
				zap.String("request_id", due[i].ID),
				zap.Error(err))
			continue
		}
		expired++
	}

	s.metrics.RecordSweep(expired, failed)
	if expired > 0 || failed > 0 {
		s.logger.Info("expiry sweep finished",
			zap.Int("expired", expired),
			zap.Int("failed", failed))
	}
	return expired, nil
}

// Start runs sweeps on the configured interval until ctx is cancelled.
func (s *ExpiryScanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry scanner started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
