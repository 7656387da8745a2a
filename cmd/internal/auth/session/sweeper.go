package session

import (
	"context"
	"time"
)

// Sweep expires every session past its absolute expiry at now, in batches.
// It returns the number of sessions expired.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		due, err := s.store.ExpireDue(ctx, now, s.cfg.SweepBatch)
		if err != nil {
			return total, err
		}
		byUser := make(map[string][]string)
		for _, sess := range due {
			byUser[sess.UserID] = append(byUser[sess.UserID], sess.ID)
		}
		for userID, ids := range byUser {
			s.afterRevoke(ctx, now, userID, ids, ReasonExpired)
		}
		total += len(due)
		if len(due) < s.cfg.SweepBatch || ctx.Err() != nil {
			break
		}
	}
	if s.metrics != nil && total > 0 {
		s.metrics.SessionsExpired(total)
	}
	return total, nil
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	s.log.Info("session.sweeper.start", "interval", s.cfg.SweepInterval.String(), "batch", s.cfg.SweepBatch)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session.sweeper.stop")
			return
		case <-t.C:
			n, err := s.Sweep(ctx, clock().UTC())
			if err != nil {
				s.log.Error("session.sweeper.fail", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("session.sweeper.expired", "sessions", n)
			}
		}
	}
}
