// Package client talks to a running flowsim server over gRPC.
package client

import (
	"context"
	"io"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/common/wire"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a connection to the Simulator service
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to address. Without options the connection is insecure.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}
	return &Client{cc: cc}, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

// Submit starts a flow for draft and returns the pending transaction
func (c *Client) Submit(ctx context.Context, draft types.Draft) (types.Transaction, error) {
	req, err := wire.ToStruct(draft)
	if err != nil {
		return types.Transaction{}, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, wire.FullMethod(wire.MethodSubmit), req, resp); err != nil {
		return types.Transaction{}, err
	}
	var tx types.Transaction
	if err := wire.FromStruct(resp, &tx); err != nil {
		return types.Transaction{}, err
	}
	return tx, nil
}

func (c *Client) ChainState(ctx context.Context) (types.ChainState, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, wire.FullMethod(wire.MethodChainState), &emptypb.Empty{}, resp); err != nil {
		return types.ChainState{}, err
	}
	var state types.ChainState
	if err := wire.FromStruct(resp, &state); err != nil {
		return types.ChainState{}, err
	}
	return state, nil
}

func (c *Client) Verify(ctx context.Context) (types.VerifyResult, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, wire.FullMethod(wire.MethodVerify), &emptypb.Empty{}, resp); err != nil {
		return types.VerifyResult{}, err
	}
	var result types.VerifyResult
	if err := wire.FromStruct(resp, &result); err != nil {
		return types.VerifyResult{}, err
	}
	return result, nil
}

func (c *Client) Reset(ctx context.Context) error {
	return c.cc.Invoke(ctx, wire.FullMethod(wire.MethodReset), &emptypb.Empty{}, new(emptypb.Empty))
}

// SetSpeed changes the inter-phase delay and returns the delay now in effect
func (c *Client) SetSpeed(ctx context.Context, delay time.Duration) (time.Duration, error) {
	resp := new(durationpb.Duration)
	if err := c.cc.Invoke(ctx, wire.FullMethod(wire.MethodSetSpeed), durationpb.New(delay), resp); err != nil {
		return 0, err
	}
	return resp.AsDuration(), nil
}

// EventStream receives engine events from the server
type EventStream struct {
	stream grpc.ClientStream
}

// Subscribe opens an event stream. It returns once the server is
// subscribed, so every event published afterwards is delivered.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	desc := &grpc.StreamDesc{StreamName: wire.StreamEvents, ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, wire.FullMethod(wire.StreamEvents))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event stream")
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, errors.Wrap(err, "failed to subscribe")
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.Wrap(err, "failed to subscribe")
	}
	if _, err := stream.Header(); err != nil {
		return nil, errors.Wrap(err, "failed to subscribe")
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends the
// stream cleanly.
func (s *EventStream) Recv() (types.Event, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return types.Event{}, err
	}
	var ev types.Event
	if err := wire.FromStruct(msg, &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

// Events calls fn for every event until ctx is done, the stream ends or fn
// returns an error. A nil return means ctx or the server ended the stream.
func (c *Client) Events(ctx context.Context, fn func(types.Event) error) error {
	stream, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
