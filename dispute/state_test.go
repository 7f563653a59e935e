package dispute

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func pendingCase() Case {
	return Case{
		ID:               "case-1",
		JobID:            "job-1",
		PosterID:         "poster-1",
		WorkerID:         "worker-1",
		PosterEvidence:   Evidence{Description: "work never delivered"},
		EvidenceDeadline: t0.Add(48 * time.Hour),
		Status:           StatusPendingResponse,
	}
}

func votedRound(number int, posterWins bool) Round {
	return Round{
		DisputeID:      "case-1",
		RoundNumber:    number,
		ArbitratorID:   "arb-" + string(rune('0'+number)),
		Status:         RoundVoted,
		WinnerIsPoster: boolPtr(posterWins),
	}
}

func TestTallyMajority(t *testing.T) {
	tests := []struct {
		name       string
		rounds     []Round
		posterWins bool
		decided    bool
	}{
		{"no votes", nil, false, false},
		{"one poster vote", []Round{votedRound(1, true)}, false, false},
		{"split", []Round{votedRound(1, true), votedRound(2, false)}, false, false},
		{"poster sweep", []Round{votedRound(1, true), votedRound(2, true)}, true, true},
		{"worker wins in three", []Round{votedRound(1, true), votedRound(2, false), votedRound(3, false)}, false, true},
		{
			"expired rounds do not count",
			[]Round{{RoundNumber: 1, Status: RoundExpired}, votedRound(2, true)},
			false, false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			posterWins, decided := TallyRounds(tc.rounds).Majority(DefaultPolicy)
			if decided != tc.decided || posterWins != tc.posterWins {
				t.Fatalf("got posterWins=%v decided=%v, want %v/%v", posterWins, decided, tc.posterWins, tc.decided)
			}
		})
	}
}

func TestApplyCounterEvidence(t *testing.T) {
	c, events, err := ApplyCounterEvidence(pendingCase(), Evidence{Description: "work was delivered"}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusVotingRound1 {
		t.Fatalf("status = %s, want %s", c.Status, StatusVotingRound1)
	}
	if c.CurrentRound != 1 {
		t.Fatalf("current round = %d, want 1", c.CurrentRound)
	}
	if c.WorkerEvidence == nil || c.WorkerEvidence.Description != "work was delivered" {
		t.Fatalf("worker evidence not recorded: %+v", c.WorkerEvidence)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestApplyCounterEvidenceAfterDeadline(t *testing.T) {
	_, _, err := ApplyCounterEvidence(pendingCase(), Evidence{Description: "late"}, t0.Add(72*time.Hour))
	if !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("err = %v, want ErrDeadlinePassed", err)
	}
}

func TestApplyCounterEvidenceWrongState(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound2
	_, _, err := ApplyCounterEvidence(c, Evidence{Description: "again"}, t0)
	if !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestApplyVoteSweepEndsEarly(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound2
	c.CurrentRound = 2
	rounds := []Round{votedRound(1, true), votedRound(2, true)}

	c, outcome, _, err := ApplyVote(c, 2, strPtr("0xposter"), true, rounds, DefaultPolicy, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Decided || !outcome.PosterWins {
		t.Fatalf("outcome = %+v, want decided poster win", outcome)
	}
	if c.RoundWinners[1] == nil || *c.RoundWinners[1] != "0xposter" {
		t.Fatalf("round 2 winner wallet not recorded")
	}
}

func TestApplyVoteSplitGoesToThirdRound(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound2
	c.CurrentRound = 2
	rounds := []Round{votedRound(1, true), votedRound(2, false)}

	c, outcome, _, err := ApplyVote(c, 2, strPtr("0xworker"), false, rounds, DefaultPolicy, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Decided {
		t.Fatal("split tally must not decide the case")
	}
	if outcome.NextRound != 3 {
		t.Fatalf("next round = %d, want 3", outcome.NextRound)
	}
	if c.Status != StatusVotingRound3 || c.CurrentRound != 3 {
		t.Fatalf("case not advanced: status=%s round=%d", c.Status, c.CurrentRound)
	}
}

func TestApplyVoteFinalRoundWithoutMajority(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound3
	c.CurrentRound = 3
	rounds := []Round{
		{RoundNumber: 1, Status: RoundExpired},
		votedRound(2, true),
		votedRound(3, false),
	}

	_, _, _, err := ApplyVote(c, 3, strPtr("0xworker"), false, rounds, DefaultPolicy, t0)
	if !errors.Is(err, ErrInconsistentTally) {
		t.Fatalf("err = %v, want ErrInconsistentTally", err)
	}
}

func TestApplyVoteWrongRoundNumber(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound2
	c.CurrentRound = 2
	_, _, _, err := ApplyVote(c, 1, nil, true, nil, DefaultPolicy, t0)
	if !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestApplyResolutionIdempotent(t *testing.T) {
	c := pendingCase()
	c.Status = StatusVotingRound2

	c, events, err := ApplyResolution(c, true, strPtr("0xposter"), "majority of arbitrators", strPtr("arb-9"), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusPosterWon {
		t.Fatalf("status = %s, want %s", c.Status, StatusPosterWon)
	}
	if c.ResolvedBy == nil || *c.ResolvedBy != "arb-9" {
		t.Fatalf("resolved_by = %v, want arb-9", c.ResolvedBy)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}

	again, events, err := ApplyResolution(c, false, strPtr("0xother"), "second call", nil, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("repeat resolution errored: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("repeat resolution must not emit events")
	}
	if again.Status != StatusPosterWon || *again.FinalWinnerWallet != "0xposter" {
		t.Fatalf("repeat resolution changed the outcome: %+v", again)
	}
}

func TestApplyEvidenceTimeout(t *testing.T) {
	c, _, err := ApplyEvidenceTimeout(pendingCase(), t0.Add(49*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusEvidenceTimeout {
		t.Fatalf("status = %s, want %s", c.Status, StatusEvidenceTimeout)
	}

	_, _, err = ApplyEvidenceTimeout(pendingCase(), t0.Add(time.Hour))
	if !errors.Is(err, ErrDeadlineNotPassed) {
		t.Fatalf("err = %v, want ErrDeadlineNotPassed", err)
	}
}

func TestApplyCancel(t *testing.T) {
	c, _, err := ApplyCancel(pendingCase(), "poster-1", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", c.Status, StatusCancelled)
	}

	if _, _, err := ApplyCancel(pendingCase(), "worker-1", t0); !errors.Is(err, ErrNotPoster) {
		t.Fatalf("err = %v, want ErrNotPoster", err)
	}

	voting := pendingCase()
	voting.Status = StatusVotingRound1
	if _, _, err := ApplyCancel(voting, "poster-1", t0); !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestApplySettled(t *testing.T) {
	c := pendingCase()
	c.Status = StatusWorkerWon

	c, events, err := ApplySettled(c, "0xhash", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusClaimed || !c.Settled {
		t.Fatalf("case not claimed: %+v", c)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}

	again, events, err := ApplySettled(c, "0xother", t0)
	if err != nil || len(events) != 0 {
		t.Fatalf("repeat settle must be a silent no-op, got err=%v events=%d", err, len(events))
	}
	if *again.SettlementTxHash != "0xhash" {
		t.Fatal("repeat settle must not replace the hash")
	}
}

func TestMarkVotedRequiresAwaiting(t *testing.T) {
	r := Round{Status: RoundVoted}
	if _, err := MarkVoted(r, nil, true, t0); !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestReassignAccumulatesHistory(t *testing.T) {
	r := Round{
		Status:       RoundAwaitingVote,
		ArbitratorID: "arb-1",
		VoteDeadline: t0,
	}
	r, err := Reassign(r, "arb-2", strPtr("0xw2"), t0.Add(time.Hour), 48*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err = Reassign(r, "arb-3", nil, t0.Add(2*time.Hour), 48*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.ArbitratorID != "arb-3" {
		t.Fatalf("arbitrator = %s, want arb-3", r.ArbitratorID)
	}
	if r.ReselectionCount != 2 {
		t.Fatalf("reselection count = %d, want 2", r.ReselectionCount)
	}
	want := []string{"arb-1", "arb-2"}
	if len(r.PriorArbitratorIDs) != len(want) {
		t.Fatalf("prior arbitrators = %v, want %v", r.PriorArbitratorIDs, want)
	}
	for i := range want {
		if r.PriorArbitratorIDs[i] != want[i] {
			t.Fatalf("prior arbitrators = %v, want %v", r.PriorArbitratorIDs, want)
		}
	}
	if !r.VoteDeadline.Equal(t0.Add(2*time.Hour).Add(48 * time.Hour)) {
		t.Fatalf("deadline not restarted: %v", r.VoteDeadline)
	}
}

func TestResolveWinnerWallet(t *testing.T) {
	if w, err := ResolveWinnerWallet(strPtr("0xparty"), strPtr("0xjob")); err != nil || w != "0xparty" {
		t.Fatalf("got %q/%v, want party wallet", w, err)
	}
	if w, err := ResolveWinnerWallet(nil, strPtr("0xjob")); err != nil || w != "0xjob" {
		t.Fatalf("got %q/%v, want job wallet fallback", w, err)
	}
	if w, err := ResolveWinnerWallet(strPtr(""), strPtr("0xjob")); err != nil || w != "0xjob" {
		t.Fatalf("got %q/%v, empty party wallet must fall back", w, err)
	}
	if _, err := ResolveWinnerWallet(nil, nil); !errors.Is(err, ErrWalletMissing) {
		t.Fatalf("err = %v, want ErrWalletMissing", err)
	}
}
