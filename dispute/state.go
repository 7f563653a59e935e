package dispute

import (
	"errors"
	"fmt"
	"time"

	"caseflow/notify"
)

var (
	ErrNotFound          = errors.New("dispute: not found")
	ErrActiveCaseExists  = errors.New("dispute: job already has an active case")
	ErrRoundExists       = errors.New("dispute: round already started")
	ErrBadState          = errors.New("dispute: invalid state for operation")
	ErrDeadlinePassed    = errors.New("dispute: deadline has passed")
	ErrDeadlineNotPassed = errors.New("dispute: deadline has not passed")
	ErrNotPoster         = errors.New("dispute: caller is not the job poster")
	ErrNotWorker         = errors.New("dispute: caller is not the job worker")
	ErrNotParticipant    = errors.New("dispute: caller is not a participant")
	ErrNotAssigned       = errors.New("dispute: caller is not the assigned arbitrator")
	ErrNoMajority        = errors.New("dispute: no majority reached")
	ErrInconsistentTally = errors.New("dispute: final round completed without a majority")
	ErrWalletMissing     = errors.New("dispute: winner has no wallet address")
	ErrEscrowRefMissing  = errors.New("dispute: job has no escrow reference")
)

// Tally counts the decided rounds of a case.
type Tally struct {
	PosterVotes int
	WorkerVotes int
}

// TallyRounds folds the voted rounds into a Tally. Expired and awaiting
// rounds contribute nothing.
func TallyRounds(rounds []Round) Tally {
	var t Tally
	for _, r := range rounds {
		if r.Status != RoundVoted || r.WinnerIsPoster == nil {
			continue
		}
		if *r.WinnerIsPoster {
			t.PosterVotes++
		} else {
			t.WorkerVotes++
		}
	}
	return t
}

// decidingArbitrator names the arbitrator whose ballot completed the winning
// majority: the latest voted round agreeing with the winner.
func decidingArbitrator(rounds []Round, posterWins bool) *string {
	var (
		id      *string
		votedAt time.Time
	)
	for i := range rounds {
		r := rounds[i]
		if r.Status != RoundVoted || r.WinnerIsPoster == nil || *r.WinnerIsPoster != posterWins {
			continue
		}
		if r.VotedAt != nil && r.VotedAt.Before(votedAt) {
			continue
		}
		if r.VotedAt != nil {
			votedAt = *r.VotedAt
		}
		arb := r.ArbitratorID
		id = &arb
	}
	return id
}

// Majority reports whether either side has reached the policy threshold.
func (t Tally) Majority(p QuorumPolicy) (posterWins bool, decided bool) {
	switch {
	case t.PosterVotes >= p.MajorityThreshold():
		return true, true
	case t.WorkerVotes >= p.MajorityThreshold():
		return false, true
	default:
		return false, false
	}
}

// Total is the number of counted votes.
func (t Tally) Total() int { return t.PosterVotes + t.WorkerVotes }

// votingStatus maps a round number to the case status for that round.
func votingStatus(round int) Status {
	switch round {
	case 1:
		return StatusVotingRound1
	case 2:
		return StatusVotingRound2
	default:
		return StatusVotingRound3
	}
}

// ApplyCounterEvidence records the worker's response and moves the case
// into the first voting round. The caller starts round one afterwards.
func ApplyCounterEvidence(c Case, ev Evidence, now time.Time) (Case, []notify.Event, error) {
	if c.Status != StatusPendingResponse {
		return c, nil, ErrBadState
	}
	if now.After(c.EvidenceDeadline) {
		return c, nil, ErrDeadlinePassed
	}
	c.WorkerEvidence = &ev
	c.Status = StatusVotingRound1
	c.CurrentRound = 1
	c.UpdatedAt = now
	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventCounterEvidence,
		ActorID:     &c.WorkerID,
		Description: "worker submitted counter-evidence, voting begins",
	}}
	return c, events, nil
}

// ApplyCancel withdraws a case that is still waiting on the worker.
func ApplyCancel(c Case, actorID string, now time.Time) (Case, []notify.Event, error) {
	if actorID != c.PosterID {
		return c, nil, ErrNotPoster
	}
	if c.Status != StatusPendingResponse {
		return c, nil, ErrBadState
	}
	c.Status = StatusCancelled
	c.UpdatedAt = now
	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventCaseCancelled,
		ActorID:     &actorID,
		Description: "poster withdrew the case",
	}}
	return c, events, nil
}

// VoteOutcome describes what the state machine wants next after a vote.
type VoteOutcome struct {
	// Decided is set once a side holds a majority.
	Decided    bool
	PosterWins bool
	// NextRound is the round to start when the case is not yet decided.
	NextRound int
}

// ApplyVote folds a freshly recorded round vote into the case and decides
// whether the case is settled or another round is needed. rounds must
// include the round just voted. Reaching the final round without a majority
// violates the quorum arithmetic and is reported as ErrInconsistentTally.
func ApplyVote(c Case, roundNumber int, winnerWallet *string, posterWins bool, rounds []Round, p QuorumPolicy, now time.Time) (Case, VoteOutcome, []notify.Event, error) {
	if !c.Status.Voting() {
		return c, VoteOutcome{}, nil, ErrBadState
	}
	if roundNumber != c.CurrentRound {
		return c, VoteOutcome{}, nil, ErrBadState
	}
	if roundNumber >= 1 && roundNumber <= len(c.RoundWinners) {
		c.RoundWinners[roundNumber-1] = winnerWallet
	}
	c.UpdatedAt = now

	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventRoundVoted,
		Description: fmt.Sprintf("round %d vote recorded", roundNumber),
		Payload:     map[string]any{"round": roundNumber, "poster_wins": posterWins},
	}}

	tally := TallyRounds(rounds)
	if winner, decided := tally.Majority(p); decided {
		return c, VoteOutcome{Decided: true, PosterWins: winner}, events, nil
	}
	if roundNumber >= p.RequiredRounds() {
		return c, VoteOutcome{}, events, fmt.Errorf("%w: %d-%d after round %d",
			ErrInconsistentTally, tally.PosterVotes, tally.WorkerVotes, roundNumber)
	}
	next := roundNumber + 1
	c.Status = votingStatus(next)
	c.CurrentRound = next
	return c, VoteOutcome{NextRound: next}, events, nil
}

// ApplyResolution marks the case decided for one side. Settlement happens
// separately; the case stays in poster_won or worker_won until the payout
// confirms. winnerWallet may be nil when no payout address is known yet,
// the settlement step resolves it again before paying out. resolvedBy names
// the deciding arbitrator or operator; nil records an automatic resolution
// (a forfeit sweep, for instance).
func ApplyResolution(c Case, posterWins bool, winnerWallet *string, note string, resolvedBy *string, now time.Time) (Case, []notify.Event, error) {
	if c.Status.Resolved() {
		return c, nil, nil
	}
	if !c.Status.Voting() && c.Status != StatusPendingResponse && c.Status != StatusEvidenceTimeout {
		return c, nil, ErrBadState
	}
	if posterWins {
		c.Status = StatusPosterWon
	} else {
		c.Status = StatusWorkerWon
	}
	c.PosterWins = &posterWins
	c.FinalWinnerWallet = winnerWallet
	c.ResolvedBy = resolvedBy
	if note != "" {
		c.ResolutionNote = &note
	}
	t := now
	c.ResolvedAt = &t
	c.UpdatedAt = now
	payload := map[string]any{"poster_wins": posterWins}
	if winnerWallet != nil {
		payload["winner_wallet"] = *winnerWallet
	}
	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventCaseResolved,
		ActorID:     resolvedBy,
		Description: note,
		Payload:     payload,
	}}
	return c, events, nil
}

// ApplyEvidenceTimeout parks a case whose worker never responded. The poster
// wins by forfeit; the caller resolves and settles when a payout wallet is
// known, and leaves the case in evidence_timeout otherwise so the win can be
// claimed later.
func ApplyEvidenceTimeout(c Case, now time.Time) (Case, []notify.Event, error) {
	if c.Status != StatusPendingResponse {
		return c, nil, ErrBadState
	}
	if !now.After(c.EvidenceDeadline) {
		return c, nil, ErrDeadlineNotPassed
	}
	c.Status = StatusEvidenceTimeout
	c.UpdatedAt = now
	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventEvidenceTimeout,
		Description: "worker missed the evidence deadline, poster wins by forfeit",
	}}
	return c, events, nil
}

// ApplySettled moves a resolved case to claimed once the payout confirmed.
func ApplySettled(c Case, txHash string, now time.Time) (Case, []notify.Event, error) {
	if c.Status == StatusClaimed {
		return c, nil, nil
	}
	if c.Status != StatusPosterWon && c.Status != StatusWorkerWon {
		return c, nil, ErrBadState
	}
	c.Status = StatusClaimed
	c.Settled = true
	c.SettlementTxHash = &txHash
	c.UpdatedAt = now
	events := []notify.Event{{
		CaseID:      c.ID,
		Type:        notify.EventCaseSettled,
		Description: "payout confirmed on ledger",
		Payload:     map[string]any{"tx_hash": txHash},
	}}
	return c, events, nil
}

// MarkVoted records a vote on an awaiting round.
func MarkVoted(r Round, winnerWallet *string, posterWins bool, now time.Time) (Round, error) {
	if r.Status != RoundAwaitingVote {
		return r, ErrBadState
	}
	r.Status = RoundVoted
	r.WinnerWallet = winnerWallet
	r.WinnerIsPoster = &posterWins
	t := now
	r.VotedAt = &t
	r.UpdatedAt = now
	return r, nil
}

// Reassign swaps a timed-out arbitrator for a fresh one and restarts the
// vote window. The old arbitrator joins the exclusion history.
func Reassign(r Round, newID string, newWallet *string, now time.Time, window time.Duration) (Round, error) {
	if r.Status != RoundAwaitingVote {
		return r, ErrBadState
	}
	r.PriorArbitratorIDs = append(r.PriorArbitratorIDs, r.ArbitratorID)
	r.ArbitratorID = newID
	r.ArbitratorWallet = newWallet
	r.SelectedAt = now
	r.VoteDeadline = now.Add(window)
	r.ReselectionCount++
	r.UpdatedAt = now
	return r, nil
}

// ResolveWinnerWallet picks the payout address: the winner's own wallet
// when set, otherwise the wallet the job recorded for that side.
func ResolveWinnerWallet(partyWallet, jobWallet *string) (string, error) {
	if partyWallet != nil && *partyWallet != "" {
		return *partyWallet, nil
	}
	if jobWallet != nil && *jobWallet != "" {
		return *jobWallet, nil
	}
	return "", ErrWalletMissing
}
