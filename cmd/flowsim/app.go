package main

import (
	"time"

	"github.com/ddr4869/flowsim/common/logger"
	"github.com/ddr4869/flowsim/config"
	"github.com/ddr4869/flowsim/engine"
	"github.com/ddr4869/flowsim/flow"
	"github.com/ddr4869/flowsim/ledger"
	"github.com/ddr4869/flowsim/network"
	"github.com/ddr4869/flowsim/publisher"
)

// app is one fully wired simulation session
type app struct {
	topology  *network.Topology
	engine    *engine.Engine
	publisher *publisher.KafkaPublisher
}

// newApp wires topology, ledger, flow controller, engine and the optional
// block publisher from cfg. The engine is not started.
func newApp(cfg *config.Config) (*app, error) {
	topology := network.Default()
	if cfg.Network.TopologyFile != "" {
		t, err := network.Load(cfg.Network.TopologyFile)
		if err != nil {
			return nil, logger.WrapError(err, "failed to load topology from %s", cfg.Network.TopologyFile)
		}
		topology = t
	}

	store := ledger.NewStore(ledger.WithLogger(logger.Named("ledger")))

	sim := cfg.Simulation
	opts := []flow.ControllerOption{flow.WithControllerLogger(logger.Named("flow"))}
	if sim.Failure.Enabled() {
		seed := sim.Failure.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		opts = append(opts, flow.WithInjector(flow.NewRandomInjector(
			sim.Failure.EndorsementMismatch, sim.Failure.OrderingTimeout, seed)))
	}
	controller := flow.NewController(
		flow.NewClock(sim.Delay),
		flow.NewPlanner(topology, sim.ShowChaincode, sim.ShowLedger),
		opts...,
	)

	a := &app{topology: topology}
	engineOpts := []engine.Option{
		engine.WithQueueSize(sim.QueueSize),
		engine.WithLogger(logger.Named("engine")),
	}
	if cfg.Kafka.Enabled {
		p, err := publisher.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		if err != nil {
			return nil, logger.WrapError(err, "failed to create block publisher")
		}
		a.publisher = p
		engineOpts = append(engineOpts, engine.WithBlockSink(p))
	}
	a.engine = engine.New(store, controller, engineOpts...)
	return a, nil
}

// Close stops the engine and flushes the publisher
func (a *app) Close() {
	a.engine.Close()
	if a.publisher != nil {
		logger.LogIfError(a.publisher.Close(), "failed to close block publisher")
	}
}
