package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/engine"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	// eventsPerFlow covers the phases and log lines of one committed flow
	eventsPerFlow = 16
	maxRunBuffer  = 1 << 16

	reconcileInterval = 200 * time.Millisecond
)

var (
	runCount int
	runDelay time.Duration
	draft    types.Draft
)

// runCmd plays transactions through an in-process simulator and prints the
// execution log
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run transactions through an in-process simulator and print the log",
	RunE:  runScenario,
}

func init() {
	addDraftFlags(runCmd)
	runCmd.Flags().IntVarP(&runCount, "count", "n", 1, "Number of transactions to submit")
	runCmd.Flags().DurationVar(&runDelay, "delay", -1, "Delay between phases (overrides config)")
}

// addDraftFlags binds the transaction draft fields to cmd's flags
func addDraftFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&draft.Sender, "sender", "org1", "Sending organization")
	cmd.Flags().StringVar(&draft.Receiver, "receiver", "org2", "Receiving organization")
	cmd.Flags().StringVar(&draft.Type, "type", "invoke", "Transaction type")
	cmd.Flags().StringVar(&draft.Chaincode, "chaincode", "Asset Management", "Chaincode name")
	cmd.Flags().StringVar(&draft.Function, "function", "createAsset", "Chaincode function")
	cmd.Flags().StringVar(&draft.Args, "args", "asset1, blue, 5, Tomoko, 300", "Chaincode arguments")
}

func runScenario(cmd *cobra.Command, args []string) error {
	if runCount < 1 {
		return errors.New("count must be at least 1")
	}
	if runDelay >= 0 {
		cfg.Simulation.Delay = runDelay
	}
	if cfg.Simulation.QueueSize < runCount {
		cfg.Simulation.QueueSize = runCount
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := a.engine.Subscribe(min(runCount*eventsPerFlow, maxRunBuffer))
	defer sub.Close()
	a.engine.Start(ctx)

	ids := make(map[string]bool, runCount)
	for i := 0; i < runCount; i++ {
		tx, err := a.engine.Submit(draft)
		if err != nil {
			return errors.Wrapf(err, "failed to submit transaction %d", i+1)
		}
		ids[tx.ID] = true
	}

	out := cmd.OutOrStdout()
	if err := followFlows(ctx, out, a.engine, sub, ids); err != nil {
		return err
	}
	return printSummary(out, a.engine)
}

// followFlows prints log events until every transaction in ids reached a
// terminal phase. Once the subscription has dropped events the ledger decides
// which flows are still open.
func followFlows(ctx context.Context, out io.Writer, e *engine.Engine, sub *engine.Subscription, ids map[string]bool) error {
	open := make(map[string]bool, len(ids))
	for id := range ids {
		open[id] = true
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for len(open) > 0 {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("engine closed before all flows finished")
			}
			switch ev.Kind {
			case types.EventLog:
				fmt.Fprintf(out, "[%s] %s\n", ev.Log.At.Format("15:04:05.000"), ev.Log.Line)
			case types.EventPhase:
				if ev.Phase.Phase.Terminal() {
					delete(open, ev.Phase.TxID)
				}
			}
		case <-ticker.C:
			if sub.Dropped() == 0 {
				continue
			}
			for id := range open {
				tx, err := e.Transaction(id)
				if err != nil {
					return errors.Wrapf(err, "failed to look up transaction %s", id)
				}
				if tx.Status != types.StatusPending {
					delete(open, id)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if n := sub.Dropped(); n > 0 {
		fmt.Fprintf(out, "(%d events not shown, output fell behind)\n", n)
	}
	return nil
}

func printSummary(out io.Writer, e *engine.Engine) error {
	stats := e.Stats()
	fmt.Fprintf(out, "\nHeight %d, %d committed, %d failed, %d pending\n",
		stats.CurrentHeight, stats.Committed, stats.Failed, stats.Pending)
	printBlocks(out, e.ChainState().Blocks)

	if err := e.Verify(); err != nil {
		return errors.Wrap(err, "chain verification failed")
	}
	fmt.Fprintln(out, "Chain verified")
	return nil
}

func printBlocks(out io.Writer, blocks []types.Block) {
	for _, b := range blocks {
		fmt.Fprintf(out, "  #%-4d %s  prev %s", b.Height, short(b.Hash), short(b.PreviousHash))
		for _, tx := range b.Transactions {
			fmt.Fprintf(out, "  %s %s->%s %s", short(tx.ID), tx.Sender, tx.Receiver, tx.Function)
		}
		fmt.Fprintln(out)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
