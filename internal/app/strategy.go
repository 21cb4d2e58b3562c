package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/cimillas/impftermin/internal/domain"
)

// SelectionStrategy picks one free Termin for a query. It returns nil when
// nothing matches. Strategies never write.
type SelectionStrategy interface {
	Name() string
	Select(ctx context.Context, repo SelectionRepository, q domain.TerminQuery) (*domain.Termin, error)
}

const (
	StrategyLocked     = "locked"
	StrategyRandom     = "random"
	StrategyFirstMatch = "first"
)

// ParseStrategy maps a configuration value to a strategy.
func ParseStrategy(name string) (SelectionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyLocked:
		return LockedSelection{}, nil
	case StrategyRandom:
		return NewRandomSelection(nil), nil
	case StrategyFirstMatch, "first-match", "first_match":
		return FirstMatchSelection{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}

// LockedSelection locks the slot row, then the first free Termin. Concurrent
// callers on the same slot queue behind the enclosing transaction.
type LockedSelection struct{}

func (LockedSelection) Name() string { return StrategyLocked }

func (LockedSelection) Select(ctx context.Context, repo SelectionRepository, q domain.TerminQuery) (*domain.Termin, error) {
	if _, err := repo.LockSlot(ctx, q.SlotID); err != nil {
		return nil, err
	}
	q.Lock = true
	return repo.FirstFreeTermin(ctx, q)
}

// RandomSelection picks uniformly among all free Termine. Lost races are
// caught by the conditional write at commit.
type RandomSelection struct {
	intn func(n int) int
}

func NewRandomSelection(intn func(n int) int) RandomSelection {
	if intn == nil {
		intn = rand.IntN
	}
	return RandomSelection{intn: intn}
}

func (RandomSelection) Name() string { return StrategyRandom }

func (s RandomSelection) Select(ctx context.Context, repo SelectionRepository, q domain.TerminQuery) (*domain.Termin, error) {
	q.Lock = false
	candidates, err := repo.ListFreeTermine(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	intn := s.intn
	if intn == nil {
		intn = rand.IntN
	}
	picked := candidates[intn(len(candidates))]
	return &picked, nil
}

// FirstMatchSelection returns the free Termin with the lowest id.
type FirstMatchSelection struct{}

func (FirstMatchSelection) Name() string { return StrategyFirstMatch }

func (FirstMatchSelection) Select(ctx context.Context, repo SelectionRepository, q domain.TerminQuery) (*domain.Termin, error) {
	q.Lock = false
	return repo.FirstFreeTermin(ctx, q)
}
