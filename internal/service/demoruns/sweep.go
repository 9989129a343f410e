package demoruns

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
)

// SweepExpired fails every non-terminal run whose created_at + timeout has
// passed. It processes batches until none remain and returns the count.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		runs, err := s.store.ListExpiredRuns(ctx, s.now(), s.batchSize)
		if err != nil {
			return total, fmt.Errorf("demoruns: list expired: %w", err)
		}
		expired := 0
		for _, r := range runs {
			run, err := s.store.ExpireRun(ctx, r.ID, TimedOutMessage)
			if errors.Is(err, storage.ErrStatusConflict) {
				continue // finished while we looked
			}
			if err != nil {
				return total, fmt.Errorf("demoruns: expire %s: %w", r.ID, err)
			}
			expired++
			s.runsExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("demo_id", run.DemoID)))
			s.audit(ctx, &run.UserID, model.AuditDemoRunTimedOut, map[string]any{
				"runId":          run.ID,
				"demoId":         run.DemoID,
				"previousStatus": r.Status,
				"timeoutSeconds": run.TimeoutSeconds,
				"deadline":       run.Deadline(),
			})
			s.publish(ctx, terminalUpdate(run, s.now()))
		}
		total += expired
		if len(runs) < s.batchSize || expired == 0 {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired timed out demo runs", "count", total)
	}
	return total, nil
}

// Maintain prunes rate limit rows outside every window and stale
// idempotency keys. It is a no-op without a Maintainer.
func (s *Service) Maintain(ctx context.Context) error {
	if s.maintainer == nil {
		return nil
	}
	retention := max(s.rule.Window, defaultRateRetention)
	var errs []error
	if n, err := s.maintainer.PruneRateLimits(ctx, retention); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.Debug("pruned rate limit rows", "count", n)
	}
	if s.idemTTL > 0 {
		if n, err := s.maintainer.CleanupIdempotencyKeys(ctx, s.idemTTL); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.logger.Debug("cleaned up idempotency keys", "count", n)
		}
	}
	return errors.Join(errs...)
}
