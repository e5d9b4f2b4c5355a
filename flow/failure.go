package flow

import (
	"math/rand"
	"sync"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
)

var (
	ErrEndorsementMismatch = errors.New("endorsement mismatch")
	ErrOrderingTimeout     = errors.New("ordering timeout")
)

// FailureInjector decides whether a phase that just ran should fail the flow.
// A nil error lets the flow continue.
type FailureInjector interface {
	Check(phase types.Phase, tx types.Transaction) error
}

// NoFailures never fails a flow
type NoFailures struct{}

func (NoFailures) Check(types.Phase, types.Transaction) error { return nil }

// RandomInjector fails endorsement and ordering with fixed probabilities
type RandomInjector struct {
	EndorsementMismatch float64
	OrderingTimeout     float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomInjector creates an injector seeded with seed
func NewRandomInjector(endorsementMismatch, orderingTimeout float64, seed int64) *RandomInjector {
	return &RandomInjector{
		EndorsementMismatch: endorsementMismatch,
		OrderingTimeout:     orderingTimeout,
		rnd:                 rand.New(rand.NewSource(seed)),
	}
}

func (r *RandomInjector) Check(phase types.Phase, tx types.Transaction) error {
	switch phase {
	case types.PhaseEndorsement:
		if r.roll(r.EndorsementMismatch) {
			return errors.Wrapf(ErrEndorsementMismatch, "peers of %s returned divergent read/write sets", tx.Sender)
		}
	case types.PhaseOrdering:
		if r.roll(r.OrderingTimeout) {
			return errors.Wrap(ErrOrderingTimeout, "ordering service did not cut a block in time")
		}
	}
	return nil
}

func (r *RandomInjector) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64() < p
}
