// Package flow drives a single transaction through the proposal, endorsement,
// ordering, distribution and commit phases of the simulated protocol.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Emitter receives the events a flow produces
type Emitter interface {
	PhaseChanged(ev types.PhaseEvent)
	Log(ev types.LogEvent)
}

// Controller runs the phase state machine. It never touches the ledger; the
// caller appends the block once Run returns nil.
type Controller struct {
	clock    *Clock
	planner  *Planner
	injector FailureInjector
	now      func() time.Time
	log      *zap.SugaredLogger

	mutex  sync.RWMutex
	active activeFlow
}

type activeFlow struct {
	txID    string
	phase   types.Phase
	running bool
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithInjector enables failure injection
func WithInjector(i FailureInjector) ControllerOption {
	return func(c *Controller) {
		if i != nil {
			c.injector = i
		}
	}
}

// WithNow replaces the source of event timestamps
func WithNow(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithControllerLogger sets the controller's logger
func WithControllerLogger(l *zap.SugaredLogger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// NewController creates a controller paced by clock
func NewController(clock *Clock, planner *Planner, opts ...ControllerOption) *Controller {
	if planner == nil {
		planner = NewPlanner(nil, false, false)
	}
	c := &Controller{
		clock:    clock,
		planner:  planner,
		injector: NoFailures{},
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clock returns the clock pacing this controller
func (c *Controller) Clock() *Clock {
	return c.clock
}

// Active reports the flow currently inside Run and its phase
func (c *Controller) Active() (txID string, phase types.Phase, ok bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.active.txID, c.active.phase, c.active.running
}

func (c *Controller) setActive(txID string, phase types.Phase) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.active = activeFlow{txID: txID, phase: phase, running: true}
}

func (c *Controller) clearActive() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.active = activeFlow{}
}

// Run moves tx through every phase in order, waiting one clock delay between
// phases. It returns nil once Completed has been emitted, the injected failure
// if one fires, or the context error if ctx is cancelled. Nothing is emitted
// after cancellation is observed.
func (c *Controller) Run(ctx context.Context, tx types.Transaction, emit Emitter) error {
	defer c.clearActive()

	for _, phase := range types.FlowPhases {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "flow %s cancelled before %s", shortID(tx.ID), phase)
		}

		c.setActive(tx.ID, phase)
		status := statusText(phase, tx)
		emit.PhaseChanged(types.PhaseEvent{
			TxID:   tx.ID,
			Phase:  phase,
			Status: status,
			Edges:  c.planner.Edges(phase, tx),
			At:     c.now(),
		})
		emit.Log(types.LogEvent{TxID: tx.ID, Line: fmt.Sprintf("[%s] %s", phase, status), At: c.now()})
		c.log.Debugf("tx %s entered %s", shortID(tx.ID), phase)

		if phase == types.PhaseCompleted {
			return nil
		}

		if err := c.clock.Wait(ctx); err != nil {
			return errors.Wrapf(err, "flow %s cancelled during %s", shortID(tx.ID), phase)
		}

		if err := c.injector.Check(phase, tx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrapf(ctxErr, "flow %s cancelled during %s", shortID(tx.ID), phase)
			}
			c.fail(tx, phase, err, emit)
			return err
		}
	}
	return nil
}

func (c *Controller) fail(tx types.Transaction, phase types.Phase, cause error, emit Emitter) {
	c.setActive(tx.ID, types.PhaseFailed)
	status := fmt.Sprintf("Transaction failed during %s: %v", phase, cause)
	emit.PhaseChanged(types.PhaseEvent{
		TxID:   tx.ID,
		Phase:  types.PhaseFailed,
		Status: status,
		At:     c.now(),
	})
	emit.Log(types.LogEvent{TxID: tx.ID, Line: fmt.Sprintf("[%s] %s", types.PhaseFailed, status), At: c.now()})
	c.log.Warnf("tx %s failed during %s: %v", shortID(tx.ID), phase, cause)
}

func statusText(phase types.Phase, tx types.Transaction) string {
	switch phase {
	case types.PhaseProposal:
		return fmt.Sprintf("%s sends proposal %s to its endorsing peers", tx.Sender, invocation(tx))
	case types.PhaseEndorsement:
		return fmt.Sprintf("Peers of %s simulate %s and return endorsements", tx.Sender, invocation(tx))
	case types.PhaseOrdering:
		return fmt.Sprintf("%s forwards the endorsed transaction to the ordering service", tx.Sender)
	case types.PhaseDistribution:
		return fmt.Sprintf("Ordering service delivers the new block to peers of %s and %s", tx.Sender, tx.Receiver)
	case types.PhaseCommit:
		return "Peers validate the block and commit it to their ledgers"
	case types.PhaseCompleted:
		return fmt.Sprintf("Transaction %s committed; %s notified %s", shortID(tx.ID), tx.Sender, tx.Receiver)
	default:
		return phase.String()
	}
}

func invocation(tx types.Transaction) string {
	if tx.Chaincode == "" && tx.Function == "" {
		return "(no chaincode)"
	}
	return fmt.Sprintf("%s.%s(%s)", tx.Chaincode, tx.Function, tx.Args)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
