package dispute

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"caseflow/arbiter"
	"caseflow/auth"
	"caseflow/job"
	"caseflow/ledger"
	"caseflow/notify"
)

var (
	ErrJobNotDisputable = errors.New("dispute: job is not open to dispute")
	ErrEvidenceRequired = errors.New("dispute: evidence description is required")
)

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the persistence surface the service needs.
type Store interface {
	CreateCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	GetCase(ctx context.Context, id string) (Case, error)
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	GetCaseByJob(ctx context.Context, jobID string) (Case, error)
	UpdateCase(ctx context.Context, tx pgx.Tx, c Case) error
	CreateRound(ctx context.Context, tx pgx.Tx, rd Round) (Round, error)
	GetRoundForUpdate(ctx context.Context, tx pgx.Tx, caseID string, number int) (Round, error)
	UpdateRound(ctx context.Context, tx pgx.Tx, rd Round) error
	ListRounds(ctx context.Context, tx pgx.Tx, caseID string) ([]Round, error)
	UsedArbitratorIDs(ctx context.Context, tx pgx.Tx, caseID string) ([]string, error)
	ListExpiredAwaitingRounds(ctx context.Context, now time.Time, limit int) ([]Round, error)
	ListEvidenceExpired(ctx context.Context, now time.Time, limit int) ([]Case, error)
	ListResolvedUnsettled(ctx context.Context, limit int) ([]Case, error)
	ListActiveCases(ctx context.Context, limit, offset int) (CasePage, error)
	ListAssignments(ctx context.Context, arbitratorID string) ([]Assignment, error)
}

// JobStore is the slice of the job repository the service uses.
type JobStore interface {
	GetByID(ctx context.Context, id string) (job.Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (job.Job, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id string) error
	MarkResolved(ctx context.Context, tx pgx.Tx, id string) error
	Reopen(ctx context.Context, tx pgx.Tx, id string) error
}

// UserDirectory looks up parties and records wallet addresses.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
	UpdateWalletAddress(ctx context.Context, userID, wallet string) error
}

// Selector picks a fresh arbitrator outside the exclusion set and reports
// how many are available at all.
type Selector interface {
	SelectExcluding(ctx context.Context, excludeIDs []string) (arbiter.Arbitrator, error)
	CountEligible(ctx context.Context) (int, error)
}

// Settler submits payout transactions and re-checks ones already in flight.
// Submit returns as soon as the node accepts the envelope; the caller
// persists the hash before AwaitConfirmation so an interrupted wait can be
// reconciled by hash instead of re-sent.
type Settler interface {
	EntryFunction(module, name string) string
	Submit(ctx context.Context, function string, args []string) (string, error)
	AwaitConfirmation(ctx context.Context, hash string) error
	ConfirmByHash(ctx context.Context, hash string) (bool, error)
}

// EventRecorder appends case history and outbox rows inside a transaction.
type EventRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, ev notify.Event) error
}

// Service drives the case lifecycle: filing, evidence, voting rounds,
// resolution and settlement.
type Service struct {
	db       TxBeginner
	store    Store
	jobs     JobStore
	users    UserDirectory
	selector Selector
	settler  Settler
	recorder EventRecorder

	policy         QuorumPolicy
	evidenceWindow time.Duration
	voteWindow     time.Duration

	idGenerator func() string
	now         func() time.Time
	log         *logrus.Entry
}

// Options tunes the windows and the quorum rule. Zero values fall back to
// two-day windows and the majority-of-three policy.
type Options struct {
	Policy         QuorumPolicy
	EvidenceWindow time.Duration
	VoteWindow     time.Duration
}

func NewService(db TxBeginner, store Store, jobs JobStore, users UserDirectory, selector Selector, settler Settler, recorder EventRecorder, opts Options) *Service {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy
	}
	if opts.EvidenceWindow <= 0 {
		opts.EvidenceWindow = 48 * time.Hour
	}
	if opts.VoteWindow <= 0 {
		opts.VoteWindow = 48 * time.Hour
	}
	return &Service{
		db:             db,
		store:          store,
		jobs:           jobs,
		users:          users,
		selector:       selector,
		settler:        settler,
		recorder:       recorder,
		policy:         opts.Policy,
		evidenceWindow: opts.EvidenceWindow,
		voteWindow:     opts.VoteWindow,
		idGenerator:    uuid.NewString,
		now:            time.Now,
		log:            logrus.WithField("component", "dispute"),
	}
}

// WithIDGenerator overrides ID generation, used by tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock overrides the time source, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit tx: %w", err)
	}
	return nil
}

// OpenParams describes a new case filing.
type OpenParams struct {
	JobID       string
	FilerID     string
	Description string
	EvidenceRef *string
	// Wallet, when set, is saved to the filer's profile before the case
	// opens so a payout address is on record.
	Wallet string
}

// Open files a case against a job. Only the poster may file, the job must
// be in progress with a worker, and at most one active case may exist per
// job. The job flips to disputed in the same transaction.
func (s *Service) Open(ctx context.Context, p OpenParams) (Case, error) {
	if p.Description == "" {
		return Case{}, ErrEvidenceRequired
	}
	if p.Wallet != "" {
		if err := s.users.UpdateWalletAddress(ctx, p.FilerID, p.Wallet); err != nil {
			return Case{}, err
		}
	}

	now := s.now()
	var created Case
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.jobs.GetForUpdate(ctx, tx, p.JobID)
		if err != nil {
			return err
		}
		if j.PosterID != p.FilerID {
			return ErrNotPoster
		}
		if !j.Disputable() {
			return ErrJobNotDisputable
		}

		c := Case{
			ID:               s.idGenerator(),
			JobID:            j.ID,
			PosterID:         j.PosterID,
			WorkerID:         *j.WorkerID,
			PosterEvidence:   Evidence{Description: p.Description, Ref: p.EvidenceRef},
			EvidenceDeadline: now.Add(s.evidenceWindow),
			Status:           StatusPendingResponse,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		created, err = s.store.CreateCase(ctx, tx, c)
		if err != nil {
			return err
		}
		if err := s.jobs.MarkDisputed(ctx, tx, j.ID); err != nil {
			return err
		}
		return s.recorder.Record(ctx, tx, notify.Event{
			CaseID:      created.ID,
			Type:        notify.EventCaseOpened,
			ActorID:     &p.FilerID,
			Description: "poster opened a case against the job",
			Payload:     map[string]any{"job_id": j.ID},
		})
	})
	if err != nil {
		return Case{}, err
	}
	s.log.WithFields(logrus.Fields{"case_id": created.ID, "job_id": created.JobID}).
		Info("case opened")
	return created, nil
}

// SubmitCounterEvidence records the worker's side of the story and kicks
// off the first voting round in the same transaction.
func (s *Service) SubmitCounterEvidence(ctx context.Context, caseID, workerID string, ev Evidence, wallet string) (Case, error) {
	if ev.Description == "" {
		return Case{}, ErrEvidenceRequired
	}
	if wallet != "" {
		if err := s.users.UpdateWalletAddress(ctx, workerID, wallet); err != nil {
			return Case{}, err
		}
	}

	now := s.now()
	var updated Case
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.WorkerID != workerID {
			return ErrNotWorker
		}
		c, events, err := ApplyCounterEvidence(c, ev, now)
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
		if _, err := s.startRound(ctx, tx, c, 1); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return Case{}, err
	}
	s.log.WithField("case_id", caseID).Info("counter-evidence submitted, round 1 started")
	return updated, nil
}

// startRound selects an arbitrator never tried on this case and opens a
// round for them. Runs inside the caller's transaction so the case state
// change and the round commit together.
func (s *Service) startRound(ctx context.Context, tx pgx.Tx, c Case, number int) (Round, error) {
	used, err := s.store.UsedArbitratorIDs(ctx, tx, c.ID)
	if err != nil {
		return Round{}, err
	}
	arb, err := s.selector.SelectExcluding(ctx, used)
	if err != nil {
		return Round{}, err
	}

	now := s.now()
	rd := Round{
		ID:               s.idGenerator(),
		DisputeID:        c.ID,
		RoundNumber:      number,
		ArbitratorID:     arb.ID,
		ArbitratorWallet: arb.Wallet,
		SelectedAt:       now,
		VoteDeadline:     now.Add(s.voteWindow),
		Status:           RoundAwaitingVote,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created, err := s.store.CreateRound(ctx, tx, rd)
	if err != nil {
		return Round{}, err
	}
	err = s.recorder.Record(ctx, tx, notify.Event{
		CaseID:      c.ID,
		Type:        notify.EventRoundStarted,
		Description: fmt.Sprintf("round %d assigned", number),
		Payload:     map[string]any{"round": number, "arbitrator_id": arb.ID},
	})
	if err != nil {
		return Round{}, err
	}
	return created, nil
}

// Cancel lets the poster withdraw a case the worker has not yet answered.
// The job returns to in-progress.
func (s *Service) Cancel(ctx context.Context, caseID, actorID string) (Case, error) {
	now := s.now()
	var updated Case
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		c, events, err := ApplyCancel(c, actorID, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateCase(ctx, tx, c); err != nil {
			return err
		}
		if err := s.jobs.Reopen(ctx, tx, c.JobID); err != nil {
			return err
		}
		for _, e := range events {
			if err := s.recorder.Record(ctx, tx, e); err != nil {
				return err
			}
		}
		updated = c
		return nil
	})
	if err != nil {
		return Case{}, err
	}
	return updated, nil
}

// VoteParams identifies one ballot.
type VoteParams struct {
	CaseID       string
	RoundNumber  int
	ArbitratorID string
	PosterWins   bool
}

// RecordVote accepts the assigned arbitrator's verdict for the current
// round. A majority resolves the case and triggers settlement; otherwise
// the next round starts with a fresh arbitrator. Votes after the deadline
// are refused, the sweep owns that round now.
func (s *Service) RecordVote(ctx context.Context, p VoteParams) (Case, error) {
	now := s.now()
	var decided bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, p.CaseID)
		if err != nil {
			return err
		}
		rd, err := s.store.GetRoundForUpdate(ctx, tx, p.CaseID, p.RoundNumber)
		if err != nil {
			return err
		}
		if rd.ArbitratorID != p.ArbitratorID {
			return ErrNotAssigned
		}
		if rd.Status != RoundAwaitingVote {
			return ErrBadState
		}
		if rd.Expired(now) {
			return ErrDeadlinePassed
		}

		wallet, err := s.partyWallet(ctx, c, p.PosterWins)
		if err != nil {
			return err
		}
		rd, err = MarkVoted(rd, wallet, p.PosterWins, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateRound(ctx, tx, rd); err != nil {
			return err
		}

		rounds, err := s.store.ListRounds(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		c, outcome, events, err := ApplyVote(c, p.RoundNumber, wallet, p.PosterWins, rounds, s.policy, now)
		if err != nil {
			if errors.Is(err, ErrInconsistentTally) {
				s.log.WithField("case_id", c.ID).Error("tally invariant violated, rolling back vote")
			}
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

		if outcome.Decided {
			decided = true
			return s.resolve(ctx, tx, c, outcome.PosterWins, "majority of arbitrators", &p.ArbitratorID)
		}
		_, err = s.startRound(ctx, tx, c, outcome.NextRound)
		return err
	})
	if err != nil {
		return Case{}, err
	}

	if decided {
		// Settlement talks to the ledger node and must not run inside the
		// database transaction. A failure here leaves the case resolved but
		// unsettled; the reconciliation sweep retries it.
		if _, err := s.Finalize(ctx, p.CaseID); err != nil {
			s.log.WithField("case_id", p.CaseID).WithError(err).
				Warn("settlement deferred after deciding vote")
		}
	}
	return s.store.GetCase(ctx, p.CaseID)
}

// partyWallet returns the winning side's profile wallet, falling back to
// the wallet recorded on the job.
func (s *Service) partyWallet(ctx context.Context, c Case, posterWins bool) (*string, error) {
	winnerID := c.WorkerID
	if posterWins {
		winnerID = c.PosterID
	}
	u, err := s.users.GetUserByID(ctx, winnerID)
	if err != nil {
		return nil, err
	}
	j, err := s.jobs.GetByID(ctx, c.JobID)
	if err != nil {
		return nil, err
	}
	jobWallet := j.WorkerWallet
	if posterWins {
		jobWallet = j.PosterWallet
	}
	wallet, err := ResolveWinnerWallet(u.WalletAddress, jobWallet)
	if errors.Is(err, ErrWalletMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// resolve marks the case decided inside the caller's transaction and closes
// out the job. resolvedBy is nil for automatic resolutions.
func (s *Service) resolve(ctx context.Context, tx pgx.Tx, c Case, posterWins bool, note string, resolvedBy *string) error {
	wallet, err := s.partyWallet(ctx, c, posterWins)
	if err != nil {
		return err
	}
	c, events, err := ApplyResolution(c, posterWins, wallet, note, resolvedBy, s.now())
	if err != nil {
		return err
	}
	if err := s.store.UpdateCase(ctx, tx, c); err != nil {
		return err
	}
	if err := s.jobs.MarkResolved(ctx, tx, c.JobID); err != nil {
		return err
	}
	for _, e := range events {
		if err := s.recorder.Record(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// Finalize drives a decided case to claimed. It is idempotent: a case that
// is already claimed is a no-op, a resolved case with a transaction in
// flight is re-checked by hash rather than re-submitted, and a resolved
// case with no transaction gets one submitted. Cases still voting must hold
// a majority or ErrNoMajority is returned.
func (s *Service) Finalize(ctx context.Context, caseID string) (Case, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return Case{}, err
	}

	switch {
	case c.Status == StatusClaimed:
		return c, nil
	case c.Status == StatusPosterWon || c.Status == StatusWorkerWon:
		// fall through to settlement
	case c.Status.Voting():
		rounds, err := s.store.ListRounds(ctx, nil, caseID)
		if err != nil {
			return Case{}, err
		}
		posterWins, ok := TallyRounds(rounds).Majority(s.policy)
		if !ok {
			return Case{}, ErrNoMajority
		}
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			locked, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
			if err != nil {
				return err
			}
			if locked.Status.Resolved() {
				return nil
			}
			return s.resolve(ctx, tx, locked, posterWins, "majority of arbitrators", decidingArbitrator(rounds, posterWins))
		})
		if err != nil {
			return Case{}, err
		}
	case c.Status == StatusEvidenceTimeout:
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			locked, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
			if err != nil {
				return err
			}
			if locked.Status.Resolved() {
				return nil
			}
			return s.resolve(ctx, tx, locked, true, "worker forfeited the evidence window", nil)
		})
		if err != nil {
			return Case{}, err
		}
	default:
		return Case{}, ErrBadState
	}

	if err := s.settle(ctx, caseID); err != nil {
		return Case{}, err
	}
	return s.store.GetCase(ctx, caseID)
}

// settlementClaimTTL bounds how long a settlement claim shields a case from
// other submitters. A claim older than this belongs to a crashed or hung
// caller and may be taken over.
const settlementClaimTTL = 2 * time.Minute

// payout is everything the ledger call needs, captured under the claim lock.
type payout struct {
	escrowRef int64
	wallet    string
}

// settle drives the payout for a resolved case. Exactly one caller may hold
// the submission claim at a time: the claim is stamped under row lock before
// the ledger is contacted, so a reconciliation pass racing a deciding vote
// skips the case instead of paying the winner twice.
func (s *Service) settle(ctx context.Context, caseID string) error {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Settled || c.Status == StatusClaimed {
		return nil
	}

	if c.SettlementTxHash != nil {
		confirmed, err := s.settler.ConfirmByHash(ctx, *c.SettlementTxHash)
		if err != nil && !errors.Is(err, ledger.ErrSettlementRejected) {
			return err
		}
		if confirmed {
			return s.markSettled(ctx, caseID, *c.SettlementTxHash)
		}
		if err == nil {
			// still pending on the ledger, leave it for the next sweep
			return nil
		}
		s.log.WithFields(logrus.Fields{"case_id": caseID, "tx_hash": *c.SettlementTxHash}).
			Warn("in-flight settlement rejected, resubmitting")
		cleared, err := s.clearRejectedHash(ctx, caseID, *c.SettlementTxHash)
		if err != nil || !cleared {
			return err
		}
	}

	p, claimed, err := s.claimSettlement(ctx, caseID)
	if err != nil || !claimed {
		return err
	}
	return s.submitPayout(ctx, caseID, p)
}

// claimSettlement locks the case, resolves the payout wallet and escrow
// reference, and stamps the claim, all in one transaction. It reports false
// without error when another caller already holds the claim, a hash is
// already in flight, or the case settled meanwhile.
func (s *Service) claimSettlement(ctx context.Context, caseID string) (payout, bool, error) {
	now := s.now()
	var (
		p       payout
		claimed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Settled || c.Status == StatusClaimed || c.SettlementTxHash != nil {
			return nil
		}
		if c.Status != StatusPosterWon && c.Status != StatusWorkerWon {
			return ErrBadState
		}
		if c.SettlementClaimedAt != nil && now.Sub(*c.SettlementClaimedAt) < settlementClaimTTL {
			return nil
		}

		if c.FinalWinnerWallet == nil || *c.FinalWinnerWallet == "" {
			wallet, err := s.partyWallet(ctx, c, c.PosterWins != nil && *c.PosterWins)
			if err != nil {
				return err
			}
			if wallet == nil || *wallet == "" {
				return ErrWalletMissing
			}
			c.FinalWinnerWallet = wallet
		}
		j, err := s.jobs.GetByID(ctx, c.JobID)
		if err != nil {
			return err
		}
		if j.EscrowRef == nil {
			return ErrEscrowRefMissing
		}

		c.SettlementClaimedAt = &now
		c.UpdatedAt = now
		if err := s.store.UpdateCase(ctx, tx, c); err != nil {
			return err
		}
		p = payout{escrowRef: *j.EscrowRef, wallet: *c.FinalWinnerWallet}
		claimed = true
		return nil
	})
	return p, claimed, err
}

// submitPayout posts the payout under a held claim. The hash is persisted
// the moment the node accepts the envelope, before any confirmation wait;
// a failed post releases the claim so the next pass may retry at once.
func (s *Service) submitPayout(ctx context.Context, caseID string, p payout) error {
	function := s.settler.EntryFunction("dispute", "resolve_and_pay")
	args := []string{strconv.FormatInt(p.escrowRef, 10), p.wallet}
	hash, err := s.settler.Submit(ctx, function, args)
	if err != nil {
		if rerr := s.releaseClaim(ctx, caseID); rerr != nil {
			s.log.WithField("case_id", caseID).WithError(rerr).
				Warn("could not release settlement claim")
		}
		return err
	}
	if err := s.recordSettlementHash(ctx, caseID, hash); err != nil {
		return err
	}

	if err := s.settler.AwaitConfirmation(ctx, hash); err != nil {
		// Timeout: the hash is on record, the next sweep confirms it.
		// Rejection: the next pass clears the hash and resubmits.
		return err
	}
	return s.markSettled(ctx, caseID, hash)
}

func (s *Service) recordSettlementHash(ctx context.Context, caseID, hash string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.SettlementTxHash != nil {
			return nil
		}
		c.SettlementTxHash = &hash
		c.UpdatedAt = s.now()
		return s.store.UpdateCase(ctx, tx, c)
	})
}

func (s *Service) releaseClaim(ctx context.Context, caseID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.SettlementTxHash != nil || c.SettlementClaimedAt == nil {
			return nil
		}
		c.SettlementClaimedAt = nil
		c.UpdatedAt = s.now()
		return s.store.UpdateCase(ctx, tx, c)
	})
}

// clearRejectedHash drops a hash the ledger rejected so a fresh submission
// can be claimed. The guard on the old hash makes concurrent passes agree
// on who clears it.
func (s *Service) clearRejectedHash(ctx context.Context, caseID, oldHash string) (bool, error) {
	cleared := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Settled || c.SettlementTxHash == nil || *c.SettlementTxHash != oldHash {
			return nil
		}
		c.SettlementTxHash = nil
		c.SettlementClaimedAt = nil
		c.UpdatedAt = s.now()
		if err := s.store.UpdateCase(ctx, tx, c); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	return cleared, err
}

func (s *Service) markSettled(ctx context.Context, caseID, txHash string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCaseForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		c, events, err := ApplySettled(c, txHash, s.now())
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
		s.log.WithFields(logrus.Fields{"case_id": caseID, "tx_hash": txHash}).
			Info("case settled")
		return nil
	})
}

// ClaimTimeoutWin lets the poster convert a forfeited case into a paid-out
// win, typically after adding a wallet address that was missing when the
// deadline lapsed.
func (s *Service) ClaimTimeoutWin(ctx context.Context, caseID, actorID string) (Case, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.PosterID != actorID {
		return Case{}, ErrNotPoster
	}
	if c.Status != StatusEvidenceTimeout && !c.Status.Resolved() {
		return Case{}, ErrBadState
	}
	return s.Finalize(ctx, caseID)
}

// CaseWithRounds returns a case and its round history, guarded by role:
// operators see everything, parties see their own cases, arbitrators see
// cases they have ever been assigned to.
func (s *Service) CaseWithRounds(ctx context.Context, caseID, actorID string, role auth.Role) (Case, []Round, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return Case{}, nil, err
	}
	rounds, err := s.store.ListRounds(ctx, nil, caseID)
	if err != nil {
		return Case{}, nil, err
	}
	if err := s.authorizeView(c, rounds, actorID, role); err != nil {
		return Case{}, nil, err
	}
	return c, rounds, nil
}

// CaseByJob resolves a job's latest case with the same access rules.
func (s *Service) CaseByJob(ctx context.Context, jobID, actorID string, role auth.Role) (Case, []Round, error) {
	c, err := s.store.GetCaseByJob(ctx, jobID)
	if err != nil {
		return Case{}, nil, err
	}
	return s.CaseWithRounds(ctx, c.ID, actorID, role)
}

func (s *Service) authorizeView(c Case, rounds []Round, actorID string, role auth.Role) error {
	if role == auth.RoleOperator {
		return nil
	}
	if actorID == c.PosterID || actorID == c.WorkerID {
		return nil
	}
	for _, rd := range rounds {
		if rd.ArbitratorID == actorID {
			return nil
		}
		for _, prior := range rd.PriorArbitratorIDs {
			if prior == actorID {
				return nil
			}
		}
	}
	return ErrNotParticipant
}

// ActiveCases pages the operator work queue oldest first, annotated with
// the number of arbitrators currently eligible for selection.
func (s *Service) ActiveCases(ctx context.Context, limit, offset int) (CasePage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	page, err := s.store.ListActiveCases(ctx, limit, offset)
	if err != nil {
		return CasePage{}, err
	}
	eligible, err := s.selector.CountEligible(ctx)
	if err != nil {
		return CasePage{}, err
	}
	page.EligibleArbitrators = eligible
	return page, nil
}

// Assignments lists an arbitrator's open ballots.
func (s *Service) Assignments(ctx context.Context, arbitratorID string) ([]Assignment, error) {
	return s.store.ListAssignments(ctx, arbitratorID)
}
