package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a transaction
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether a status change is allowed. Status only moves
// forward: pending may become committed or failed, nothing leaves a final state.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && (next == StatusCommitted || next == StatusFailed)
}

// Draft is the caller-supplied part of a transaction
type Draft struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Type      string `json:"type"`
	Chaincode string `json:"chaincode"`
	Function  string `json:"function"`
	Args      string `json:"args"`
}

// Validate checks the fields a flow cannot start without
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Sender) == "" {
		return errors.New("sender cannot be empty")
	}
	if strings.TrimSpace(d.Receiver) == "" {
		return errors.New("receiver cannot be empty")
	}
	return nil
}

// Transaction represents one submitted operation
type Transaction struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Type        string    `json:"type"`
	Chaincode   string    `json:"chaincode"`
	Function    string    `json:"function"`
	Args        string    `json:"args"`
	Timestamp   time.Time `json:"timestamp"`
	BlockHeight uint64    `json:"blockHeight"`
	Status      Status    `json:"status"`
}

// Block represents a ledger entry
type Block struct {
	Height       uint64        `json:"height"`
	Hash         string        `json:"hash"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
}

// Clone returns a copy that shares no slices with b
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Transactions = append([]Transaction(nil), b.Transactions...)
	return &c
}

// ChainState is the read model handed to dashboards and tables
type ChainState struct {
	Blocks        []Block       `json:"blocks"`
	Transactions  []Transaction `json:"transactions"`
	CurrentHeight uint64        `json:"currentHeight"`
}

// Phase is a step of the transaction flow
type Phase int

const (
	PhaseProposal Phase = iota
	PhaseEndorsement
	PhaseOrdering
	PhaseDistribution
	PhaseCommit
	PhaseCompleted
	// PhaseFailed is only reached when failure injection is enabled
	PhaseFailed
)

// FlowPhases lists the phases of a successful flow in the order they fire
var FlowPhases = []Phase{
	PhaseProposal,
	PhaseEndorsement,
	PhaseOrdering,
	PhaseDistribution,
	PhaseCommit,
	PhaseCompleted,
}

func (p Phase) String() string {
	switch p {
	case PhaseProposal:
		return "Proposal"
	case PhaseEndorsement:
		return "Endorsement"
	case PhaseOrdering:
		return "Ordering"
	case PhaseDistribution:
		return "Distribution"
	case PhaseCommit:
		return "Commit"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Terminal reports whether no phase follows p
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for q := PhaseProposal; q <= PhaseFailed; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return errors.Errorf("unknown phase %q", text)
}

// Edge is a directed message exchange between two nodes of the diagram
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

func (e Edge) String() string {
	return e.From + "->" + e.To
}

// EventKind tells subscribers which payload an Event carries
type EventKind string

const (
	EventPhase EventKind = "phase"
	EventLog   EventKind = "log"
	EventBlock EventKind = "block"
	EventReset EventKind = "reset"
)

// PhaseEvent is emitted on every phase transition
type PhaseEvent struct {
	TxID   string    `json:"txId"`
	Phase  Phase     `json:"phase"`
	Status string    `json:"status"`
	Edges  []Edge    `json:"edges"`
	At     time.Time `json:"at"`
}

// LogEvent is one line of the execution log
type LogEvent struct {
	TxID string    `json:"txId,omitempty"`
	Line string    `json:"line"`
	At   time.Time `json:"at"`
}

// Event is what the engine publishes to subscribers. Exactly one of the
// payload fields is set, matching Kind; reset events carry none.
type Event struct {
	Kind  EventKind   `json:"kind"`
	Seq   uint64      `json:"seq"`
	Phase *PhaseEvent `json:"phase,omitempty"`
	Log   *LogEvent   `json:"log,omitempty"`
	Block *Block      `json:"block,omitempty"`
}

// VerifyResult reports the outcome of a chain integrity check
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Height uint64 `json:"height,omitempty"`
	Reason string `json:"reason,omitempty"`
}
