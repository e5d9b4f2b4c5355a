package server

import (
	"context"
	"net"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/common/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// SimulatorServer is the server-side interface of the flowsim.v1.Simulator
// service. Domain values travel as Struct messages.
type SimulatorServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChainState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Verify(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetSpeed(context.Context, *durationpb.Duration) (*durationpb.Duration, error)
	Events(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterSimulatorServer registers srv on a gRPC server
func RegisterSimulatorServer(s *grpc.Server, srv SimulatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

var _ SimulatorServer = (*GRPCServer)(nil)

// GRPCServer serves a Backend over gRPC
type GRPCServer struct {
	backend Backend
	server  *grpc.Server
	log     *zap.SugaredLogger
}

// NewGRPCServer creates a gRPC server for backend
func NewGRPCServer(backend Backend, log *zap.SugaredLogger) *GRPCServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GRPCServer{backend: backend, log: log}
}

// Register adds the Simulator service to gs
func (s *GRPCServer) Register(gs *grpc.Server) {
	RegisterSimulatorServer(gs, s)
}

// Serve blocks serving on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	s.server = grpc.NewServer(opts...)
	s.Register(s.server)
	s.log.Infof("gRPC server listening on %s", lis.Addr())
	return s.server.Serve(lis)
}

// StartWithContext listens on address and serves until ctx is done
func (s *GRPCServer) StartWithContext(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	s.server = grpc.NewServer()
	s.Register(s.server)
	s.log.Infof("gRPC server listening on %s", lis.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(lis) }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "grpc server failed")
	case <-ctx.Done():
	}

	s.log.Info("Shutting down gRPC server...")
	s.Stop()
	<-errCh
	s.log.Info("gRPC server shut down complete")
	return nil
}

// Stop gracefully stops the server, cutting open event streams that outlive
// the shutdown period
func (s *GRPCServer) Stop() {
	if s.server == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownPeriod):
		s.log.Warn("Graceful stop timed out, closing remaining streams")
		s.server.Stop()
		<-done
	}
}

func (s *GRPCServer) Submit(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var draft types.Draft
	if err := wire.FromStruct(req, &draft); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tx, err := s.backend.Submit(draft)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.encode(tx)
}

func (s *GRPCServer) ChainState(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.encode(s.backend.ChainState())
}

func (s *GRPCServer) Verify(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	result, err := verifyResult(s.backend.Verify())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.encode(result)
}

func (s *GRPCServer) Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.backend.Reset()
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) SetSpeed(_ context.Context, req *durationpb.Duration) (*durationpb.Duration, error) {
	if err := req.CheckValid(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.SetSpeed(req.AsDuration()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return durationpb.New(s.backend.Speed()), nil
}

// Events streams engine events until the client cancels or the backend
// closes the subscription
func (s *GRPCServer) Events(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.backend.Subscribe(0)
	defer sub.Close()

	// flush headers so the client knows the subscription is live
	if err := stream.SendHeader(nil); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed")
			}
			msg, err := s.encode(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *GRPCServer) encode(v any) (*structpb.Struct, error) {
	msg, err := wire.ToStruct(v)
	if err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

func (s *GRPCServer) toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		s.log.Errorf("Request failed: %v", err)
	}
	return status.Error(code, err.Error())
}

// --- Handler functions ---

func handlerSubmit(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SimulatorServer).Submit(ctx, req)
}

func handlerChainState(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(emptypb.Empty)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SimulatorServer).ChainState(ctx, req)
}

func handlerVerify(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(emptypb.Empty)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SimulatorServer).Verify(ctx, req)
}

func handlerReset(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(emptypb.Empty)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SimulatorServer).Reset(ctx, req)
}

func handlerSetSpeed(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(durationpb.Duration)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SimulatorServer).SetSpeed(ctx, req)
}

func handlerEvents(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SimulatorServer).Events(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*SimulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: wire.MethodSubmit, Handler: handlerSubmit},
		{MethodName: wire.MethodChainState, Handler: handlerChainState},
		{MethodName: wire.MethodVerify, Handler: handlerVerify},
		{MethodName: wire.MethodReset, Handler: handlerReset},
		{MethodName: wire.MethodSetSpeed, Handler: handlerSetSpeed},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    wire.StreamEvents,
			Handler:       handlerEvents,
			ServerStreams: true,
		},
	},
}
