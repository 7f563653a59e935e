package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"caseflow/arbiter"
	"caseflow/ledger"
	"caseflow/notify"
)

const sweepBatch = 100

// SweepEvidenceDeadlines forfeits cases whose worker never answered. Each
// case is rechecked under lock, then resolved and settled best-effort; a
// case whose settlement fails stays resolved-unsettled for the next pass.
// Returns the number of cases moved.
func (s *Service) SweepEvidenceDeadlines(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListEvidenceExpired(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range expired {
		if err := s.expireEvidence(ctx, c.ID); err != nil {
			if errors.Is(err, ErrBadState) || errors.Is(err, ErrDeadlineNotPassed) {
				continue
			}
			s.log.WithField("case_id", c.ID).WithError(err).Warn("evidence sweep failed for case")
			continue
		}
		swept++
		if _, err := s.Finalize(ctx, c.ID); err != nil {
			s.log.WithField("case_id", c.ID).WithError(err).
				Warn("forfeit settlement deferred")
		}
	}
	return swept, nil
}

func (s *Service) expireEvidence(ctx context.Context, caseID string) error {
	now := s.now()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		c, events, err := ApplyEvidenceTimeout(c, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateCase(ctx, tx, c); err != nil {
			return err
		}
		for _, e := range events {
			if err := s.recorder.Record(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepExpiredRounds replaces arbitrators who let their vote window lapse.
// The replacement is drawn from the pool excluding everyone previously
// tried on the case, including the arbitrator being swapped out. A case
// that has exhausted the pool is left alone and logged; it is retried next
// pass in case the pool has grown. Returns the number of reassignments.
func (s *Service) SweepExpiredRounds(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredAwaitingRounds(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rd := range expired {
		if err := s.reassignRound(ctx, rd.DisputeID, rd.RoundNumber); err != nil {
			switch {
			case errors.Is(err, ErrBadState), errors.Is(err, ErrDeadlineNotPassed):
				// the vote landed between listing and locking
			case errors.Is(err, arbiter.ErrQuorumUnavailable):
				s.log.WithFields(logrus.Fields{"case_id": rd.DisputeID, "round": rd.RoundNumber}).
					Warn("no eligible arbitrator left for reassignment")
			default:
				s.log.WithFields(logrus.Fields{"case_id": rd.DisputeID, "round": rd.RoundNumber}).
					WithError(err).Warn("round sweep failed")
			}
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Service) reassignRound(ctx context.Context, caseID string, number int) error {
	now := s.now()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.store.GetCaseForUpdate(ctx, tx, caseID); err != nil {
			return err
		}
		rd, err := s.store.GetRoundForUpdate(ctx, tx, caseID, number)
		if err != nil {
			return err
		}
		if rd.Status != RoundAwaitingVote {
			return ErrBadState
		}
		if !rd.Expired(now) {
			return ErrDeadlineNotPassed
		}

		used, err := s.store.UsedArbitratorIDs(ctx, tx, caseID)
		if err != nil {
			return err
		}
		replacement, err := s.selector.SelectExcluding(ctx, used)
		if err != nil {
			return err
		}

		old := rd.ArbitratorID
		rd, err = Reassign(rd, replacement.ID, replacement.Wallet, now, s.voteWindow)
		if err != nil {
			return err
		}
		if err := s.store.UpdateRound(ctx, tx, rd); err != nil {
			return err
		}
		return s.recorder.Record(ctx, tx, notify.Event{
			CaseID:      caseID,
			Type:        notify.EventRoundReassigned,
			Description: "arbitrator missed the vote deadline, round reassigned",
			Payload: map[string]any{
				"round":              number,
				"from_arbitrator_id": old,
				"to_arbitrator_id":   replacement.ID,
				"reselection_count":  rd.ReselectionCount,
			},
		})
	})
}

// ReconcileSettlements retries payout for resolved cases that never reached
// claimed. Cases with a hash in flight are confirmed rather than re-sent.
// Returns the number of cases that reached claimed.
func (s *Service) ReconcileSettlements(ctx context.Context) (int, error) {
	stuck, err := s.store.ListResolvedUnsettled(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, c := range stuck {
		after, err := s.Finalize(ctx, c.ID)
		if err != nil {
			level := logrus.WarnLevel
			if errors.Is(err, ledger.ErrSettlementTimeout) || errors.Is(err, ErrWalletMissing) {
				level = logrus.InfoLevel
			}
			s.log.WithField("case_id", c.ID).WithError(err).Log(level, "settlement retry pending")
			continue
		}
		if after.Status == StatusClaimed {
			settled++
		}
	}
	return settled, nil
}

// Sweeper periodically runs the three maintenance passes until the context
// is cancelled.
type Sweeper struct {
	service  *Service
	interval time.Duration
	log      *logrus.Entry
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		log:      logrus.WithField("component", "dispute_sweeper"),
	}
}

// Run blocks until ctx is cancelled. The three passes run concurrently each
// tick; a failing pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.service.SweepEvidenceDeadlines(gctx)
		if n > 0 {
			s.log.WithField("count", n).Info("evidence deadlines swept")
		}
		return err
	})
	g.Go(func() error {
		n, err := s.service.SweepExpiredRounds(gctx)
		if n > 0 {
			s.log.WithField("count", n).Info("expired rounds reassigned")
		}
		return err
	})
	g.Go(func() error {
		n, err := s.service.ReconcileSettlements(gctx)
		if n > 0 {
			s.log.WithField("count", n).Info("settlements reconciled")
		}
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("sweep pass failed")
	}
}
