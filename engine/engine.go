// Package engine owns one simulation session: the ledger, the flow
// controller, the admission queue and the event stream the view consumes.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/flow"
	"github.com/ddr4869/flowsim/ledger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 64
	DefaultLogLimit  = 1000

	sinkTimeout = 5 * time.Second
)

var (
	ErrInvalidDraft = errors.New("invalid transaction draft")
	ErrQueueFull    = errors.New("flow queue is full")
	ErrEngineClosed = errors.New("engine is closed")
)

// BlockSink receives every block the engine commits
type BlockSink interface {
	PublishBlock(ctx context.Context, block *types.Block) error
}

// Option configures an Engine
type Option func(*Engine)

// WithBlockSink forwards committed blocks to sink
func WithBlockSink(sink BlockSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithQueueSize bounds the number of flows waiting for admission
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSeed replaces the time-based seed transaction ids are hashed from
func WithSeed(seed func(time.Time) string) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithNow replaces the submission clock
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs submitted transactions one at a time, in submission order, and
// commits a block for each one that completes.
type Engine struct {
	store      *ledger.Store
	controller *flow.Controller
	bus        *Bus
	sink       BlockSink
	log        *zap.SugaredLogger
	queueSize  int
	seed       func(time.Time) string
	now        func() time.Time

	mutex         sync.Mutex
	generation    uint64
	seq           uint64
	queue         []types.Transaction
	logs          []types.LogEvent
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	closed        bool

	wake      chan struct{}
	runCancel context.CancelFunc
	done      chan struct{}
}

// Pending describes flows that have not finished
type Pending struct {
	Queued   int    `json:"queued"`
	InFlight string `json:"inFlight,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

type job struct {
	tx         types.Transaction
	generation uint64
	ctx        context.Context
}

// New creates an engine over store and controller. Call Start to begin
// running flows.
func New(store *ledger.Store, controller *flow.Controller, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		controller: controller,
		log:        zap.NewNop().Sugar(),
		queueSize:  DefaultQueueSize,
		seed:       timeSeed,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bus = NewBus(e.log)
	e.sessionCtx, e.sessionCancel = context.WithCancel(context.Background())
	return e
}

func timeSeed(t time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String() + strconv.FormatInt(t.UnixNano(), 10)
}

// Start launches the flow worker. The worker stops when ctx is done or Close
// is called.
func (e *Engine) Start(ctx context.Context) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.done != nil || e.closed {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)
	e.log.Info("Flow worker started")
}

// Close stops the worker, cancels any in-flight flow and closes all
// subscriptions.
func (e *Engine) Close() {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return
	}
	e.closed = true
	e.generation++
	e.sessionCancel()
	e.queue = nil
	cancel, done := e.runCancel, e.done
	e.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.bus.CloseAll()
	e.log.Info("Engine closed")
}

// Submit validates draft, records a pending transaction and queues its flow
func (e *Engine) Submit(draft types.Draft) (types.Transaction, error) {
	if err := draft.Validate(); err != nil {
		return types.Transaction{}, errors.Wrap(ErrInvalidDraft, err.Error())
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return types.Transaction{}, ErrEngineClosed
	}
	if len(e.queue) >= e.queueSize {
		return types.Transaction{}, errors.Wrapf(ErrQueueFull, "%d flows waiting", len(e.queue))
	}

	now := e.now()
	tx := types.Transaction{
		ID:          e.store.Hasher().Hash(e.seed(now)),
		Sender:      draft.Sender,
		Receiver:    draft.Receiver,
		Type:        draft.Type,
		Chaincode:   draft.Chaincode,
		Function:    draft.Function,
		Args:        draft.Args,
		Timestamp:   now.UTC(),
		BlockHeight: e.store.CurrentHeight() + 1,
		Status:      types.StatusPending,
	}
	if err := e.store.AddTransaction(tx); err != nil {
		return types.Transaction{}, errors.Wrap(err, "failed to record transaction")
	}
	e.queue = append(e.queue, tx)

	e.appendLogLocked(types.LogEvent{
		TxID: tx.ID,
		Line: fmt.Sprintf("Submitted transaction %s from %s to %s", shortID(tx.ID), tx.Sender, tx.Receiver),
		At:   now,
	})
	e.log.Infof("Queued transaction %s (%s -> %s), %d waiting", shortID(tx.ID), tx.Sender, tx.Receiver, len(e.queue))

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return tx, nil
}

// Reset cancels the in-flight flow, drops queued flows and clears the ledger.
// Once Reset returns no event from an earlier flow will be published.
func (e *Engine) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.sessionCancel()
	e.generation++
	dropped := len(e.queue)
	e.queue = nil
	e.logs = nil
	e.store.Reset()
	e.sessionCtx, e.sessionCancel = context.WithCancel(context.Background())

	e.publishLocked(types.Event{Kind: types.EventReset})
	e.log.Infof("Simulation reset, dropped %d queued flow(s)", dropped)
}

// Subscribe returns a subscription to the event stream
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.bus.Subscribe(buffer)
}

// ChainState returns the ledger read model. It waits for any commit in
// progress, so a reader that has seen Completed also sees the block.
func (e *Engine) ChainState() types.ChainState {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.store.State()
}

// Transaction looks up a submitted transaction
func (e *Engine) Transaction(txID string) (types.Transaction, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.store.Transaction(txID)
}

// Block returns the block at height
func (e *Engine) Block(height uint64) (*types.Block, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.store.Block(height)
}

// Verify checks the integrity of the chain
func (e *Engine) Verify() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.store.Verify()
}

// Stats summarizes the ledger
func (e *Engine) Stats() ledger.Stats {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.store.Stats()
}

// Logs returns the execution log of the current session, oldest first
func (e *Engine) Logs() []types.LogEvent {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]types.LogEvent(nil), e.logs...)
}

// Speed returns the inter-phase delay
func (e *Engine) Speed() time.Duration {
	return e.controller.Clock().Delay()
}

// SetSpeed changes the inter-phase delay
func (e *Engine) SetSpeed(d time.Duration) error {
	if err := e.controller.Clock().SetDelay(d); err != nil {
		return err
	}
	e.log.Infof("Simulation delay set to %s", d)
	return nil
}

// Pending reports queued flows and the one currently running
func (e *Engine) Pending() Pending {
	e.mutex.Lock()
	p := Pending{Queued: len(e.queue)}
	e.mutex.Unlock()

	if txID, phase, ok := e.controller.Active(); ok {
		p.InFlight = txID
		p.Phase = phase.String()
	}
	return p
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		j, ok := e.next()
		if !ok {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		e.execute(ctx, j)
	}
}

func (e *Engine) next() (job, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.queue) == 0 || e.closed {
		return job{}, false
	}
	tx := e.queue[0]
	e.queue = e.queue[1:]
	return job{tx: tx, generation: e.generation, ctx: e.sessionCtx}, true
}

func (e *Engine) execute(runCtx context.Context, j job) {
	em := &flowEmitter{engine: e, job: j}
	err := e.controller.Run(j.ctx, j.tx, em)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		e.log.Debugf("Flow %s abandoned: %v", shortID(j.tx.ID), err)
		return
	default:
		e.log.Warnf("Flow %s failed: %v", shortID(j.tx.ID), err)
		return
	}

	if em.block == nil || e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, sinkTimeout)
	defer cancel()
	if err := e.sink.PublishBlock(ctx, em.block); err != nil {
		e.log.Warnf("Failed to publish block %d: %v", em.block.Height, err)
	}
}

// flowEmitter publishes one flow's events, discarding them once the session
// they belong to has been reset.
type flowEmitter struct {
	engine *Engine
	job    job
	block  *types.Block
}

func (em *flowEmitter) PhaseChanged(ev types.PhaseEvent) {
	e := em.engine
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if em.job.generation != e.generation {
		return
	}

	e.publishLocked(types.Event{Kind: types.EventPhase, Phase: &ev})

	// the terminal transition and its ledger effect share one critical section
	switch ev.Phase {
	case types.PhaseCompleted:
		em.block = e.commitLocked(em.job.tx)
	case types.PhaseFailed:
		if err := e.store.MarkFailed(em.job.tx.ID); err != nil {
			e.log.Errorf("Failed to mark transaction %s failed: %v", shortID(em.job.tx.ID), err)
		}
	}
}

func (em *flowEmitter) Log(ev types.LogEvent) {
	e := em.engine
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if em.job.generation != e.generation {
		return
	}
	e.appendLogLocked(ev)
}

func (e *Engine) commitLocked(tx types.Transaction) *types.Block {
	committed := tx
	committed.Status = types.StatusCommitted

	block, err := e.store.AppendBlock([]types.Transaction{committed})
	if err != nil {
		e.log.Errorf("Failed to append block for %s: %v", shortID(tx.ID), err)
		return nil
	}
	if err := e.store.MarkCommitted(tx.ID); err != nil {
		e.log.Errorf("Failed to mark transaction %s committed: %v", shortID(tx.ID), err)
	}

	e.publishLocked(types.Event{Kind: types.EventBlock, Block: block})
	e.appendLogLocked(types.LogEvent{
		TxID: tx.ID,
		Line: fmt.Sprintf("Block %d appended with hash %s", block.Height, shortID(block.Hash)),
		At:   e.now(),
	})
	e.log.Infof("Committed transaction %s in block %d", shortID(tx.ID), block.Height)
	return block.Clone()
}

func (e *Engine) appendLogLocked(ev types.LogEvent) {
	if len(e.logs) >= DefaultLogLimit {
		e.logs = e.logs[1:]
	}
	e.logs = append(e.logs, ev)
	e.publishLocked(types.Event{Kind: types.EventLog, Log: &ev})
}

func (e *Engine) publishLocked(ev types.Event) {
	e.seq++
	ev.Seq = e.seq
	e.bus.Publish(ev)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
