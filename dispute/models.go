package dispute

import "time"

// Status is the case-level lifecycle. A case walks pending_response through
// up to three voting rounds into a resolved state, and reaches claimed once
// the settlement transaction confirms on the ledger. evidence_timeout and
// cancelled are side exits from pending_response.
type Status string

const (
	StatusPendingResponse Status = "pending_response"
	StatusVotingRound1    Status = "voting_round_1"
	StatusVotingRound2    Status = "voting_round_2"
	StatusVotingRound3    Status = "voting_round_3"
	StatusPosterWon       Status = "poster_won"
	StatusWorkerWon       Status = "worker_won"
	StatusClaimed         Status = "claimed"
	StatusEvidenceTimeout Status = "evidence_timeout"
	StatusCancelled       Status = "cancelled"
)

// Voting reports whether the case is inside the round protocol.
func (s Status) Voting() bool {
	return s == StatusVotingRound1 || s == StatusVotingRound2 || s == StatusVotingRound3
}

// Resolved reports whether a winner has been determined.
func (s Status) Resolved() bool {
	return s == StatusPosterWon || s == StatusWorkerWon || s == StatusClaimed
}

// Active reports whether the case still needs arbitration work.
func (s Status) Active() bool {
	return s == StatusPendingResponse || s.Voting()
}

// ActiveStatuses enumerates the states that block a second filing on the
// same job.
func ActiveStatuses() []Status {
	return []Status{StatusPendingResponse, StatusVotingRound1, StatusVotingRound2, StatusVotingRound3}
}

// RoundStatus is the per-round lifecycle.
type RoundStatus string

const (
	RoundAwaitingVote RoundStatus = "awaiting_vote"
	RoundVoted        RoundStatus = "voted"
	RoundExpired      RoundStatus = "expired"
)

// Evidence is one party's submission: a free-text account plus an optional
// reference into the file-storage subsystem.
type Evidence struct {
	Description string
	Ref         *string
}

// Case mirrors the disputes table. The job poster files the case; the worker
// is the counterparty. Wallet columns are snapshots taken at vote/finalize
// time so later profile edits never change a recorded outcome.
type Case struct {
	ID       string
	JobID    string
	PosterID string
	WorkerID string

	PosterEvidence   Evidence
	WorkerEvidence   *Evidence
	EvidenceDeadline time.Time

	Status       Status
	CurrentRound int
	RoundWinners [3]*string

	FinalWinnerWallet *string
	PosterWins        *bool
	ResolvedBy        *string
	ResolutionNote    *string
	ResolvedAt        *time.Time

	// SettlementClaimedAt marks that one caller holds the right to submit
	// the payout. It is stamped under row lock before the ledger POST so
	// concurrent reconciliation passes skip the case instead of paying the
	// winner twice; stale claims from a crashed submitter are reclaimable.
	SettlementClaimedAt *time.Time
	SettlementTxHash    *string
	Settled             bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Round mirrors the dispute_rounds table. A round belongs to exactly one
// case; (DisputeID, RoundNumber) is unique. PriorArbitratorIDs accumulates
// every arbitrator swapped out after a timeout so reselection can exclude
// them all.
type Round struct {
	ID          string
	DisputeID   string
	RoundNumber int

	ArbitratorID       string
	ArbitratorWallet   *string
	PriorArbitratorIDs []string

	SelectedAt   time.Time
	VoteDeadline time.Time
	Status       RoundStatus

	WinnerWallet   *string
	WinnerIsPoster *bool
	VotedAt        *time.Time

	ReselectionCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the vote deadline has passed.
func (r Round) Expired(now time.Time) bool {
	return now.After(r.VoteDeadline)
}
