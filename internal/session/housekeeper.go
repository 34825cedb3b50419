package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	slogctx "github.com/veqryn/slog-context"
)

// Housekeeper resets sessions wedged in a workaround state and removes
// expired session records.
type Housekeeper struct {
	sessions          Repository
	locker            Locker
	workaroundTimeout time.Duration
	now               func() time.Time
}

// HousekeepingResult summarises a housekeeping run.
type HousekeepingResult struct {
	Reset   int
	Deleted int
}

func NewHousekeeper(sessions Repository, locker Locker, workaroundTimeout time.Duration) *Housekeeper {
	return &Housekeeper{
		sessions:          sessions,
		locker:            locker,
		workaroundTimeout: workaroundTimeout,
		now:               time.Now,
	}
}

// Run performs one housekeeping pass with at most concurrencyLimit sessions
// processed at the same time.
func (h *Housekeeper) Run(ctx context.Context, concurrencyLimit int) (HousekeepingResult, error) {
	sessions, err := h.sessions.ListSessions(ctx)
	if err != nil {
		return HousekeepingResult{}, fmt.Errorf("listing sessions: %w", err)
	}

	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}

	var reset, deleted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit)

	now := h.now()
	for _, s := range sessions {
		switch {
		case !s.Expiry.IsZero() && now.After(s.Expiry):
			g.Go(func() error {
				if err := h.sessions.DeleteSession(gctx, s.ID); err != nil {
					slogctx.Warn(gctx, "Could not delete expired session", "error", err)
					return nil
				}

				deleted.Add(1)
				return nil
			})
		case s.WorkaroundExpired(now, h.workaroundTimeout):
			g.Go(func() error {
				ok, err := h.resetWorkaround(gctx, s.ID)
				if err != nil {
					slogctx.Warn(gctx, "Could not reset workaround state", "workaround", s.Workaround, "error", err)
					return nil
				}

				if ok {
					reset.Add(1)
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return HousekeepingResult{}, err
	}

	result := HousekeepingResult{Reset: int(reset.Load()), Deleted: int(deleted.Load())}
	slogctx.Info(ctx, "Completed session housekeeping", "reset", result.Reset, "deleted", result.Deleted)

	return result, nil
}

// resetWorkaround re-reads the session under its lock, since a request may
// have moved it on in the meantime.
func (h *Housekeeper) resetWorkaround(ctx context.Context, sessionID string) (bool, error) {
	unlock, err := h.locker.Lock(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("locking session: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slogctx.Warn(ctx, "Could not unlock session", "error", err)
		}
	}()

	s, err := h.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}

	if !s.WorkaroundExpired(h.now(), h.workaroundTimeout) {
		return false, nil
	}

	s.ResetWorkaround()
	s.Provisioned = false
	if err := h.sessions.StoreSession(ctx, s); err != nil {
		return false, fmt.Errorf("storing session: %w", err)
	}

	return true, nil
}
