package service

import (
	"context"
	"time"

	"qms/token-service/internal/queue"
)

// SweepNoShows moves tickets that have been called for longer than the
// configured grace period to no-show. It returns the number of tickets moved.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	if s.noShowGrace <= 0 {
		return 0, nil
	}
	ctx, span := s.tracer.Start(ctx, "service.SweepNoShows")
	var err error
	defer func() { endSpan(span, err) }()

	now := s.now()
	tickets, err := s.store.ExpireCalled(ctx, now.Add(-s.noShowGrace).UTC(), s.noShowBatchSize)
	if err != nil {
		err = mapStoreError(err)
		return 0, err
	}

	rule, _ := queue.RuleFor(queue.ActionNoShow)
	for _, ticket := range tickets {
		s.metrics.Transition(rule.Event)
		s.emit(ticket, rule.Event, ActorSystem, now)
	}
	if len(tickets) > 0 {
		s.metrics.NoShowSwept(len(tickets))
		s.logger.Info().Int("tickets", len(tickets)).Msg("called tickets marked no-show")
	}
	return len(tickets), nil
}

// RunNoShowSweeper sweeps on every interval tick until ctx is done. It is a
// no-op when no grace period is configured.
func (s *Service) RunNoShowSweeper(ctx context.Context, interval time.Duration) error {
	if s.noShowGrace <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepNoShows(ctx); err != nil {
				s.logger.Error().Err(err).Msg("no-show sweep")
			}
		}
	}
}
