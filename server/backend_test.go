package server

import (
	"net/http"
	"testing"

	"github.com/ddr4869/flowsim/engine"
	"github.com/ddr4869/flowsim/ledger"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{errors.Wrap(engine.ErrInvalidDraft, "sender cannot be empty"), http.StatusBadRequest, codes.InvalidArgument},
		{errors.Wrapf(engine.ErrQueueFull, "%d flows waiting", 64), http.StatusServiceUnavailable, codes.ResourceExhausted},
		{engine.ErrEngineClosed, http.StatusServiceUnavailable, codes.Unavailable},
		{errors.Wrapf(ledger.ErrNotFound, "block %d", 9), http.StatusNotFound, codes.NotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.http {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.http)
		}
		if got := grpcCode(tt.err); got != tt.grpc {
			t.Errorf("grpcCode(%v) = %s, want %s", tt.err, got, tt.grpc)
		}
	}
}

func TestVerifyResult(t *testing.T) {
	result, err := verifyResult(nil)
	if err != nil || !result.Valid {
		t.Fatalf("valid chain = %+v, %v", result, err)
	}

	result, err = verifyResult(&ledger.ChainError{Height: 3, Reason: "stored hash does not match contents"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid || result.Height != 3 || result.Reason == "" {
		t.Fatalf("broken chain = %+v", result)
	}

	broken := errors.New("hash failed")
	if _, err := verifyResult(broken); err != broken {
		t.Fatalf("expected passthrough, got %v", err)
	}
}
