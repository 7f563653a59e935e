package arbiter

import (
	"context"
	"errors"
	"testing"
)

type fakeEligibility struct {
	arbitrators []Arbitrator
	err         error
}

func (f *fakeEligibility) ListEnabled(_ context.Context) ([]Arbitrator, error) {
	return f.arbitrators, f.err
}

func (f *fakeEligibility) CountEnabled(_ context.Context) (int, error) {
	return len(f.arbitrators), f.err
}

func threeArbitrators() []Arbitrator {
	return []Arbitrator{
		{ID: "arb-1", FullName: "First"},
		{ID: "arb-2", FullName: "Second"},
		{ID: "arb-3", FullName: "Third"},
	}
}

func TestSelectExcluding_LastRemainingIsDeterministic(t *testing.T) {
	pool := NewPool(&fakeEligibility{arbitrators: threeArbitrators()})

	selected, err := pool.SelectExcluding(context.Background(), []string{"arb-1", "arb-3"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.ID != "arb-2" {
		t.Fatalf("expected arb-2, got %s", selected.ID)
	}
}

func TestSelectExcluding_ExhaustedPool(t *testing.T) {
	pool := NewPool(&fakeEligibility{arbitrators: threeArbitrators()})

	_, err := pool.SelectExcluding(context.Background(), []string{"arb-1", "arb-2", "arb-3"})
	if !errors.Is(err, ErrQuorumUnavailable) {
		t.Fatalf("expected ErrQuorumUnavailable, got %v", err)
	}
}

func TestSelectExcluding_BelowQuorum(t *testing.T) {
	pool := NewPool(&fakeEligibility{arbitrators: threeArbitrators()[:2]})

	_, err := pool.SelectExcluding(context.Background(), nil)
	if !errors.Is(err, ErrQuorumUnavailable) {
		t.Fatalf("expected ErrQuorumUnavailable with 2 arbitrators, got %v", err)
	}
}

func TestSelectExcluding_UsesRandomIndexOverCandidates(t *testing.T) {
	var sawN int
	pool := NewPool(&fakeEligibility{arbitrators: threeArbitrators()}).
		WithIntn(func(n int) int {
			sawN = n
			return n - 1
		})

	selected, err := pool.SelectExcluding(context.Background(), []string{"arb-2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sawN != 2 {
		t.Fatalf("expected rng over 2 candidates, got %d", sawN)
	}
	if selected.ID != "arb-3" {
		t.Fatalf("expected arb-3 at index 1, got %s", selected.ID)
	}
}

func TestSelectExcluding_NeverReturnsExcluded(t *testing.T) {
	arbs := threeArbitrators()
	for seed := 0; seed < 3; seed++ {
		seed := seed
		pool := NewPool(&fakeEligibility{arbitrators: arbs}).
			WithIntn(func(n int) int { return seed % n })
		selected, err := pool.SelectExcluding(context.Background(), []string{"arb-2"})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if selected.ID == "arb-2" {
			t.Fatalf("excluded arbitrator was selected")
		}
	}
}

func TestEligible_Pure(t *testing.T) {
	all := threeArbitrators()

	got := Eligible(all, []string{"arb-2"})
	if len(got) != 2 || got[0].ID != "arb-1" || got[1].ID != "arb-3" {
		t.Fatalf("unexpected filter result: %+v", got)
	}

	// input is untouched
	if len(all) != 3 {
		t.Fatalf("input slice mutated")
	}

	if got := Eligible(all, nil); len(got) != 3 {
		t.Fatalf("expected all candidates with empty exclusion, got %d", len(got))
	}
}
