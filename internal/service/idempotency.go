package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/approval-engine/internal/persistence"
)

const (
	callbackKeyPrefix = "approval:callback:"
	callbackKeyTTL    = 24 * time.Hour
)

// DeliveryGuard deduplicates at-least-once callback deliveries, keyed by
// external_correlation_id. A claim taken by FirstDelivery must be given
// back with Release when the decision does not commit, so a redelivery can
// still land it.
type DeliveryGuard interface {
	FirstDelivery(ctx context.Context, correlationID string) bool
	Release(ctx context.Context, correlationID string)
}

// CallbackGuard is the redis-backed DeliveryGuard. It is an optimization
// only: the status compare-and-swap in the repository remains the
// correctness boundary, so redis being unavailable fails open.
type CallbackGuard struct {
	redis  *persistence.Redis
	logger *zap.Logger
}

// NewCallbackGuard builds the guard.
func NewCallbackGuard(redis *persistence.Redis, logger *zap.Logger) *CallbackGuard {
	return &CallbackGuard{redis: redis, logger: logger}
}

// FirstDelivery reports whether this correlation id has not been seen
// before, atomically marking it seen.
func (g *CallbackGuard) FirstDelivery(ctx context.Context, correlationID string) bool {
	if g == nil || g.redis == nil || g.redis.Client == nil || correlationID == "" {
		return true
	}
	ok, err := g.redis.Client.SetNX(ctx, callbackKeyPrefix+correlationID, 1, callbackKeyTTL).Result()
	if err != nil {
		g.logger.Warn("callback dedup unavailable, failing open",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return true
	}
	return ok
}

// Release drops the seen-marker for a correlation id whose decision did not
// commit. If the delete fails the key still expires with its TTL.
func (g *CallbackGuard) Release(ctx context.Context, correlationID string) {
	if g == nil || g.redis == nil || g.redis.Client == nil || correlationID == "" {
		return
	}
	if err := g.redis.Client.Del(ctx, callbackKeyPrefix+correlationID).Err(); err != nil {
		g.logger.Warn("callback dedup release failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}
