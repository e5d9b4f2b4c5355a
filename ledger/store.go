package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ddr4869/flowsim/common/hashchain"
	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrEmptyBlock       = errors.New("block must contain at least one transaction")
	ErrStatusTransition = errors.New("illegal status transition")
)

// ChainError describes the first broken link found by Verify
type ChainError struct {
	Height uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken at height %d: %s", e.Height, e.Reason)
}

// Option configures a Store
type Option func(*Store)

// WithHasher replaces the digest used for block hashes
func WithHasher(h hashchain.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// WithClock replaces the source of block timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by the store
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the in-memory ledger: an append-only list of hash-chained blocks,
// the pool of every submitted transaction and the current height.
type Store struct {
	mutex sync.RWMutex

	blocks       []*types.Block
	transactions []*types.Transaction
	txIndex      map[string]int
	height       uint64

	hasher hashchain.Hasher
	now    func() time.Time
	log    *zap.SugaredLogger
}

// Stats summarizes the ledger for dashboards
type Stats struct {
	CurrentHeight uint64 `json:"currentHeight"`
	Blocks        int    `json:"blocks"`
	Transactions  int    `json:"transactions"`
	Pending       int    `json:"pending"`
	Committed     int    `json:"committed"`
	Failed        int    `json:"failed"`
	LastHash      string `json:"lastHash"`
}

// NewStore creates an empty ledger
func NewStore(opts ...Option) *Store {
	s := &Store{
		txIndex: make(map[string]int),
		hasher:  hashchain.Default,
		now:     time.Now,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hasher returns the digest the store chains blocks with
func (s *Store) Hasher() hashchain.Hasher {
	return s.hasher
}

// AppendBlock seals txs into a new block on top of the chain
func (s *Store) AppendBlock(txs []types.Transaction) (*types.Block, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBlock
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	block := &types.Block{
		Height:       s.height + 1,
		Timestamp:    s.now().UTC(),
		Transactions: append([]types.Transaction(nil), txs...),
		PreviousHash: s.lastHashLocked(),
	}

	hash, err := s.blockHash(block)
	if err != nil {
		return nil, err
	}
	block.Hash = hash

	s.blocks = append(s.blocks, block)
	s.height = block.Height

	s.log.Debugf("Appended block %d (%s) with %d transaction(s)", block.Height, block.Hash, len(block.Transactions))
	return block.Clone(), nil
}

// blockHash digests height, previous hash, timestamp and the serialized transactions
func (s *Store) blockHash(block *types.Block) (string, error) {
	txData, err := json.Marshal(block.Transactions)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize block transactions")
	}
	input := strconv.FormatUint(block.Height, 10) +
		block.PreviousHash +
		block.Timestamp.Format(time.RFC3339Nano) +
		string(txData)
	return s.hasher.Hash(input), nil
}

func (s *Store) lastHashLocked() string {
	if len(s.blocks) == 0 {
		return hashchain.GenesisHash
	}
	return s.blocks[len(s.blocks)-1].Hash
}

// AddTransaction records a submitted transaction in the pool
func (s *Store) AddTransaction(tx types.Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction ID cannot be empty")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.txIndex[tx.ID]; exists {
		return errors.Errorf("transaction %s already exists", tx.ID)
	}
	stored := tx
	s.txIndex[tx.ID] = len(s.transactions)
	s.transactions = append(s.transactions, &stored)
	return nil
}

// MarkCommitted flips a pending transaction to committed
func (s *Store) MarkCommitted(txID string) error {
	return s.setStatus(txID, types.StatusCommitted)
}

// MarkFailed flips a pending transaction to failed
func (s *Store) MarkFailed(txID string) error {
	return s.setStatus(txID, types.StatusFailed)
}

func (s *Store) setStatus(txID string, next types.Status) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	idx, exists := s.txIndex[txID]
	if !exists {
		return errors.Wrapf(ErrNotFound, "transaction %s", txID)
	}
	tx := s.transactions[idx]
	if !tx.Status.CanTransition(next) {
		return errors.Wrapf(ErrStatusTransition, "transaction %s: %s -> %s", txID, tx.Status, next)
	}
	tx.Status = next
	return nil
}

// Reset returns the store to its empty initial state
func (s *Store) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.blocks = nil
	s.transactions = nil
	s.txIndex = make(map[string]int)
	s.height = 0
	s.log.Info("Ledger reset")
}

// CurrentHeight returns the height of the last block, 0 when empty
func (s *Store) CurrentHeight() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.height
}

// LastHash returns the hash a new block would link to
func (s *Store) LastHash() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastHashLocked()
}

// Block returns the block at the given height
func (s *Store) Block(height uint64) (*types.Block, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if height == 0 || height > uint64(len(s.blocks)) {
		return nil, errors.Wrapf(ErrNotFound, "block %d", height)
	}
	return s.blocks[height-1].Clone(), nil
}

// Transaction returns a pooled transaction by id
func (s *Store) Transaction(txID string) (types.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	idx, exists := s.txIndex[txID]
	if !exists {
		return types.Transaction{}, errors.Wrapf(ErrNotFound, "transaction %s", txID)
	}
	return *s.transactions[idx], nil
}

// State returns a copy of blocks, transactions and height
func (s *Store) State() types.ChainState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	state := types.ChainState{
		Blocks:        make([]types.Block, 0, len(s.blocks)),
		Transactions:  make([]types.Transaction, 0, len(s.transactions)),
		CurrentHeight: s.height,
	}
	for _, b := range s.blocks {
		state.Blocks = append(state.Blocks, *b.Clone())
	}
	for _, tx := range s.transactions {
		state.Transactions = append(state.Transactions, *tx)
	}
	return state
}

// Verify walks the chain from genesis, recomputing every hash and link
func (s *Store) Verify() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	prev := hashchain.GenesisHash
	for i, b := range s.blocks {
		want := uint64(i + 1)
		if b.Height != want {
			return &ChainError{Height: b.Height, Reason: fmt.Sprintf("expected height %d", want)}
		}
		if b.PreviousHash != prev {
			return &ChainError{Height: b.Height, Reason: "previous hash does not match predecessor"}
		}
		if len(b.Transactions) == 0 {
			return &ChainError{Height: b.Height, Reason: "block has no transactions"}
		}
		hash, err := s.blockHash(b)
		if err != nil {
			return err
		}
		if hash != b.Hash {
			return &ChainError{Height: b.Height, Reason: "stored hash does not match contents"}
		}
		prev = b.Hash
	}
	return nil
}

// Stats counts blocks and transactions by status
func (s *Store) Stats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := Stats{
		CurrentHeight: s.height,
		Blocks:        len(s.blocks),
		Transactions:  len(s.transactions),
		LastHash:      s.lastHashLocked(),
	}
	for _, tx := range s.transactions {
		switch tx.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusCommitted:
			stats.Committed++
		case types.StatusFailed:
			stats.Failed++
		}
	}
	return stats
}
