package flow

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/network"
	"github.com/pkg/errors"
)

type recorder struct {
	mu     sync.Mutex
	phases []types.PhaseEvent
	logs   []types.LogEvent
	onEmit func(types.Phase)
}

func (r *recorder) PhaseChanged(ev types.PhaseEvent) {
	r.mu.Lock()
	r.phases = append(r.phases, ev)
	hook := r.onEmit
	r.mu.Unlock()
	if hook != nil {
		hook(ev.Phase)
	}
}

func (r *recorder) Log(ev types.LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, ev)
}

func (r *recorder) phaseSeq() []types.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := make([]types.Phase, 0, len(r.phases))
	for _, ev := range r.phases {
		seq = append(seq, ev.Phase)
	}
	return seq
}

func sampleTx() types.Transaction {
	return types.Transaction{
		ID:        "a1b2c3d4e5f6",
		Sender:    "org1",
		Receiver:  "org2",
		Chaincode: "Asset Management",
		Function:  "createAsset",
		Args:      "asset1, blue, 5, Tomoko, 300",
		Status:    types.StatusPending,
	}
}

func TestRunEmitsPhasesInOrder(t *testing.T) {
	c := NewController(NewClock(0), NewPlanner(network.Default(), true, true))
	rec := &recorder{}

	if err := c.Run(context.Background(), sampleTx(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := rec.phaseSeq(); !reflect.DeepEqual(got, types.FlowPhases) {
		t.Fatalf("phase sequence = %v, want %v", got, types.FlowPhases)
	}
	if len(rec.logs) != len(types.FlowPhases) {
		t.Fatalf("got %d log lines, want %d", len(rec.logs), len(types.FlowPhases))
	}
	for _, ev := range rec.phases {
		if ev.Status == "" {
			t.Fatalf("phase %s has no status text", ev.Phase)
		}
		if ev.TxID != "a1b2c3d4e5f6" {
			t.Fatalf("phase %s carries tx id %q", ev.Phase, ev.TxID)
		}
	}
	if _, _, running := c.Active(); running {
		t.Fatal("controller still reports an active flow after Run")
	}
}

func TestRunWaitsBetweenPhases(t *testing.T) {
	const delay = 10 * time.Millisecond
	c := NewController(NewClock(delay), nil)

	start := time.Now()
	if err := c.Run(context.Background(), sampleTx(), &recorder{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*delay {
		t.Fatalf("run took %s, expected at least five delays", elapsed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := NewController(NewClock(time.Hour), nil)
	ctx, cancel := context.WithCancel(context.Background())

	rec := &recorder{}
	rec.onEmit = func(p types.Phase) {
		if p == types.PhaseProposal {
			cancel()
		}
	}

	err := c.Run(ctx, sampleTx(), rec)
	if errors.Cause(err) != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := rec.phaseSeq(); !reflect.DeepEqual(got, []types.Phase{types.PhaseProposal}) {
		t.Fatalf("events after cancel: %v", got)
	}
}

func TestRunWithCancelledContextEmitsNothing(t *testing.T) {
	c := NewController(NewClock(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	if err := c.Run(ctx, sampleTx(), rec); err == nil {
		t.Fatal("expected error")
	}
	if len(rec.phases) != 0 || len(rec.logs) != 0 {
		t.Fatal("events emitted for a cancelled flow")
	}
}

func TestInjectedFailures(t *testing.T) {
	tests := []struct {
		name     string
		injector *RandomInjector
		cause    error
		want     []types.Phase
	}{
		{
			name:     "endorsement mismatch",
			injector: NewRandomInjector(1, 0, 1),
			cause:    ErrEndorsementMismatch,
			want:     []types.Phase{types.PhaseProposal, types.PhaseEndorsement, types.PhaseFailed},
		},
		{
			name:     "ordering timeout",
			injector: NewRandomInjector(0, 1, 1),
			cause:    ErrOrderingTimeout,
			want:     []types.Phase{types.PhaseProposal, types.PhaseEndorsement, types.PhaseOrdering, types.PhaseFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(NewClock(0), nil, WithInjector(tt.injector))
			rec := &recorder{}
			err := c.Run(context.Background(), sampleTx(), rec)
			if errors.Cause(err) != tt.cause {
				t.Fatalf("expected %v, got %v", tt.cause, err)
			}
			if got := rec.phaseSeq(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("phases = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZeroProbabilityNeverFails(t *testing.T) {
	inj := NewRandomInjector(0, 0, 42)
	for i := 0; i < 100; i++ {
		if err := inj.Check(types.PhaseEndorsement, sampleTx()); err != nil {
			t.Fatalf("unexpected failure: %v", err)
		}
	}
}

func TestClock(t *testing.T) {
	c := NewClock(time.Second)
	if err := c.SetDelay(-time.Second); err == nil {
		t.Fatal("expected negative delay to be rejected")
	}
	if err := c.SetDelay(0); err != nil {
		t.Fatalf("set delay: %v", err)
	}
	if c.Delay() != 0 {
		t.Fatalf("delay = %s", c.Delay())
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("zero wait: %v", err)
	}

	_ = c.SetDelay(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPlannerEdges(t *testing.T) {
	tx := sampleTx()
	p := NewPlanner(network.Default(), false, false)

	proposal := p.Edges(types.PhaseProposal, tx)
	if !reflect.DeepEqual(proposal, []types.Edge{
		{From: "org1", To: "org1-peer0", Label: "proposal"},
		{From: "org1", To: "org1-peer1", Label: "proposal"},
	}) {
		t.Fatalf("proposal edges = %v", proposal)
	}

	endorse := p.Edges(types.PhaseEndorsement, tx)
	for _, e := range endorse {
		if e.To != "org1" {
			t.Fatalf("endorsement edge %s should point back at the sender", e)
		}
	}

	ordering := p.Edges(types.PhaseOrdering, tx)
	if len(ordering) != 1 || ordering[0].To != network.DefaultOrdererName {
		t.Fatalf("ordering edges = %v", ordering)
	}

	dist := p.Edges(types.PhaseDistribution, tx)
	if len(dist) != 4 {
		t.Fatalf("distribution should reach all four peers, got %v", dist)
	}

	if commit := p.Edges(types.PhaseCommit, tx); len(commit) != 0 {
		t.Fatalf("commit edges without ledger nodes = %v", commit)
	}

	done := p.Edges(types.PhaseCompleted, tx)
	if !reflect.DeepEqual(done, []types.Edge{{From: "org1", To: "org2", Label: "complete"}}) {
		t.Fatalf("completed edges = %v", done)
	}
}

func TestPlannerOptionalNodes(t *testing.T) {
	tx := sampleTx()
	p := NewPlanner(network.Default(), true, true)

	endorse := p.Edges(types.PhaseEndorsement, tx)
	if len(endorse) != 4 || endorse[0].To != ChaincodeNode("org1-peer0") {
		t.Fatalf("endorsement edges with chaincode = %v", endorse)
	}

	commit := p.Edges(types.PhaseCommit, tx)
	if len(commit) != 4 || commit[0].To != LedgerNode("org1-peer0") {
		t.Fatalf("commit edges with ledger = %v", commit)
	}
}

func TestPlannerSelfTransferDedupesPeers(t *testing.T) {
	tx := sampleTx()
	tx.Receiver = tx.Sender
	p := NewPlanner(network.Default(), false, false)
	if dist := p.Edges(types.PhaseDistribution, tx); len(dist) != 2 {
		t.Fatalf("distribution edges = %v", dist)
	}
}
