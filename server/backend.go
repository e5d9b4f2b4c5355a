// Package server exposes a running simulation over HTTP and gRPC.
package server

import (
	"net/http"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/engine"
	"github.com/ddr4869/flowsim/ledger"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

// Backend is the part of the engine the servers depend on
type Backend interface {
	Submit(draft types.Draft) (types.Transaction, error)
	Reset()
	Subscribe(buffer int) *engine.Subscription
	ChainState() types.ChainState
	Transaction(txID string) (types.Transaction, error)
	Block(height uint64) (*types.Block, error)
	Verify() error
	Stats() ledger.Stats
	Logs() []types.LogEvent
	Pending() engine.Pending
	Speed() time.Duration
	SetSpeed(d time.Duration) error
}

var _ Backend = (*engine.Engine)(nil)

// verifyResult turns the outcome of Backend.Verify into a report. Errors
// other than a broken chain are returned as is.
func verifyResult(err error) (types.VerifyResult, error) {
	if err == nil {
		return types.VerifyResult{Valid: true}, nil
	}
	var chainErr *ledger.ChainError
	if errors.As(err, &chainErr) {
		return types.VerifyResult{Height: chainErr.Height, Reason: chainErr.Reason}, nil
	}
	return types.VerifyResult{}, err
}

func httpStatus(err error) int {
	switch errors.Cause(err) {
	case engine.ErrInvalidDraft:
		return http.StatusBadRequest
	case engine.ErrQueueFull, engine.ErrEngineClosed:
		return http.StatusServiceUnavailable
	case ledger.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch errors.Cause(err) {
	case engine.ErrInvalidDraft:
		return codes.InvalidArgument
	case engine.ErrQueueFull:
		return codes.ResourceExhausted
	case engine.ErrEngineClosed:
		return codes.Unavailable
	case ledger.ErrNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}
