package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
)

// Quorum is the minimum number of distinct eligible arbitrators the
// three-round protocol needs: every round of a case must be decided by a
// different arbitrator.
const Quorum = 3

// ErrQuorumUnavailable signals that too few arbitrators are enabled, or that
// the exclusion set left no candidate. The operator must onboard more
// arbitrators before any round can start.
var ErrQuorumUnavailable = errors.New("arbiter: quorum unavailable")

// Arbitrator is the subset of user data the selection logic needs.
type Arbitrator struct {
	ID       string
	FullName string
	Wallet   *string
}

// EligibilityReader provides the current set of enabled arbitrators.
type EligibilityReader interface {
	ListEnabled(ctx context.Context) ([]Arbitrator, error)
	CountEnabled(ctx context.Context) (int, error)
}

// Pool performs randomized, exclusion-aware arbitrator selection. Selection
// is stateless: the outcome depends only on the eligible set, the
// caller-supplied exclusion set and the rng. History (who already served on a
// case) is the caller's responsibility.
type Pool struct {
	repo EligibilityReader
	intn func(n int) int
}

func NewPool(repo EligibilityReader) *Pool {
	return &Pool{repo: repo, intn: rand.Intn}
}

// WithIntn replaces the random source, for deterministic tests.
func (p *Pool) WithIntn(intn func(n int) int) *Pool {
	p.intn = intn
	return p
}

// CountEligible returns the number of enabled arbitrators.
func (p *Pool) CountEligible(ctx context.Context) (int, error) {
	return p.repo.CountEnabled(ctx)
}

// SelectExcluding picks one arbitrator uniformly at random from the enabled
// set minus excludeIDs.
func (p *Pool) SelectExcluding(ctx context.Context, excludeIDs []string) (Arbitrator, error) {
	all, err := p.repo.ListEnabled(ctx)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("arbiter: list enabled: %w", err)
	}
	if len(all) < Quorum {
		return Arbitrator{}, fmt.Errorf("%w: need %d enabled arbitrators, have %d", ErrQuorumUnavailable, Quorum, len(all))
	}

	candidates := Eligible(all, excludeIDs)
	if len(candidates) == 0 {
		return Arbitrator{}, fmt.Errorf("%w: exclusion set leaves no candidate", ErrQuorumUnavailable)
	}

	return candidates[p.intn(len(candidates))], nil
}

// Eligible filters out excluded arbitrators. Pure, order-preserving.
func Eligible(all []Arbitrator, excludeIDs []string) []Arbitrator {
	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}

	out := make([]Arbitrator, 0, len(all))
	for _, a := range all {
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		out = append(out, a)
	}
	return out
}
