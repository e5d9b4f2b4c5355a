package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddr4869/flowsim/common/logger"
	"github.com/ddr4869/flowsim/server"
	"github.com/spf13/cobra"
)

var httpAddress string

// serveCmd runs the simulator behind the HTTP and gRPC APIs
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator and serve the HTTP and gRPC APIs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&httpAddress, "http-address", "", "HTTP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if httpAddress != "" {
		cfg.Server.HTTPAddress = httpAddress
	}
	cfg.Print()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received shutdown signal, stopping simulator...")
			cancel()
		case <-ctx.Done():
		}
	}()

	a.engine.Start(ctx)
	logger.With(
		"http", cfg.Server.HTTPAddress,
		"grpc", cfg.Server.GRPCAddress,
		"delay", cfg.Simulation.Delay,
	).Info("Simulator started")

	httpServer := server.NewHTTPServer(a.engine, cfg.Server.HTTPAddress, logger.Named("http"))
	grpcServer := server.NewGRPCServer(a.engine, logger.Named("grpc"))

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.StartWithContext(ctx) }()
	go func() { errCh <- grpcServer.StartWithContext(ctx, cfg.Server.GRPCAddress) }()

	// the first server to return takes the other one down with it
	err = <-errCh
	cancel()
	// closing the engine ends open event streams so the servers can drain
	a.engine.Close()
	if err2 := <-errCh; err == nil {
		err = err2
	}
	logger.Info("Simulator stopped")
	return err
}
