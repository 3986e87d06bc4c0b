// Package history provides customer-context snapshots for the
// monitoring pipeline, with a cache in front of the store so hot
// customers do not rebuild their aggregates on every transaction.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service loads customer contexts and tracks velocity counters.
type Service struct {
	store  domain.Store
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a history service. cache may be nil, in which case
// every context read hits the store.
func NewService(store domain.Store, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, ttl: ttl, logger: logger}
}

// GetContext returns the customer's historical-aggregate snapshot for
// evaluating txID. The snapshot never includes txID itself, so a re-run
// of a persisted transaction sees the same history as its first run.
// Cached snapshots may be up to ttl stale; the velocity counters are
// folded into the short windows on a hit so the frequency signal stays
// current between rebuilds.
func (s *Service) GetContext(ctx context.Context, customerID, txID string, asOf time.Time) (*domain.CustomerContext, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer ID is required", domain.ErrInvalidInput)
	}

	if s.cache != nil {
		cc, err := s.cache.GetContext(ctx, customerID)
		if err != nil {
			s.logger.Warn("context cache read failed", "customer_id", customerID, "error", err)
		} else if cc != nil {
			s.overlayVelocity(ctx, customerID, cc)
			return cc, nil
		}
	}

	cc, err := s.store.GetCustomerContext(ctx, customerID, txID, asOf)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetContext(ctx, customerID, cc, s.ttl); err != nil {
			s.logger.Warn("context cache write failed", "customer_id", customerID, "error", err)
		}
	}
	return cc, nil
}

// Invalidate drops the cached snapshot after the customer's aggregates
// change, so the next evaluation rebuilds from the store.
func (s *Service) Invalidate(ctx context.Context, customerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, contextKey(customerID)); err != nil {
		s.logger.Warn("context cache invalidation failed", "customer_id", customerID, "error", err)
	}
}

// velocityWindows are the short lookbacks tracked with live counters.
var velocityWindows = []struct {
	name   string
	window time.Duration
}{
	{domain.Window1h, time.Hour},
	{domain.Window24h, 24 * time.Hour},
}

// RecordTransaction bumps the customer's velocity counters. Counter
// failures are logged and swallowed: velocity is an optimization on top
// of the store's windowed aggregates, not the source of truth.
func (s *Service) RecordTransaction(ctx context.Context, customerID string) {
	if s.cache == nil {
		return
	}
	for _, w := range velocityWindows {
		if _, err := s.cache.IncrementCounter(ctx, velocityKey(customerID, w.name), w.window); err != nil {
			s.logger.Warn("velocity counter failed", "customer_id", customerID, "window", w.name, "error", err)
		}
	}
}

// overlayVelocity raises a cached snapshot's short-window counts to the
// live counter values. Counters keep counting after the snapshot was
// built, so a burst inside the cache ttl still moves the frequency
// factor. Read failures leave the snapshot counts as they are.
func (s *Service) overlayVelocity(ctx context.Context, customerID string, cc *domain.CustomerContext) {
	targets := []*domain.WindowStats{&cc.Window1h, &cc.Window24h}
	for i, w := range velocityWindows {
		n, err := s.cache.GetCounter(ctx, velocityKey(customerID, w.name))
		if err != nil {
			s.logger.Warn("velocity counter read failed", "customer_id", customerID, "window", w.name, "error", err)
			continue
		}
		if int(n) > targets[i].Count {
			targets[i].Count = int(n)
		}
	}
}

func velocityKey(customerID, window string) string {
	return fmt.Sprintf("velocity:%s:%s", customerID, window)
}

func contextKey(customerID string) string {
	return "context:" + customerID
}
