package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ddr4869/flowsim/client"
	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	requestTimeout = 10 * time.Second
	pollInterval   = time.Second
)

var submitWait bool

// submitCmd submits one transaction to a running server
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a transaction to a running simulator",
	RunE:  runSubmit,
}

// chainCmd prints the ledger of a running server
var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Print the blocks and transactions of a running simulator",
	RunE:  runChain,
}

// verifyCmd checks the hash chain of a running server
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of a running simulator",
	RunE:  runVerify,
}

// resetCmd clears a running server
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Cancel running flows and clear the ledger of a running simulator",
	RunE:  runReset,
}

// speedCmd changes the pacing of a running server
var speedCmd = &cobra.Command{
	Use:   "speed [delay]",
	Short: "Set the delay between phases, e.g. 500ms",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpeed,
}

func init() {
	addDraftFlags(submitCmd)
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Follow the flow until it completes")
}

func dial() (*client.Client, error) {
	return client.Dial(cfg.Server.GRPCAddress)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var stream *client.EventStream
	if submitWait {
		if stream, err = c.Subscribe(ctx); err != nil {
			return err
		}
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, requestTimeout)
	defer reqCancel()
	tx, err := c.Submit(reqCtx, draft)
	if err != nil {
		return errors.Wrap(err, "submit failed")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted %s (%s -> %s) at height %d\n", tx.ID, tx.Sender, tx.Receiver, tx.BlockHeight)
	if stream == nil {
		return nil
	}
	return waitForFlow(ctx, out, c, stream, tx.ID)
}

// waitForFlow prints the log of txID until its flow ends. The server drops
// events for slow streams, so the chain state is polled as well.
func waitForFlow(ctx context.Context, out io.Writer, c *client.Client, stream *client.EventStream, txID string) error {
	events := make(chan types.Event)
	streamErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				streamErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			switch {
			case ev.Kind == types.EventLog && ev.Log.TxID == txID:
				fmt.Fprintf(out, "[%s] %s\n", ev.Log.At.Format("15:04:05.000"), ev.Log.Line)
			case ev.Kind == types.EventPhase && ev.Phase.TxID == txID && ev.Phase.Phase.Terminal():
				return flowFinished(out, ev.Phase.Phase == types.PhaseFailed)
			case ev.Kind == types.EventReset:
				return errors.New("simulation was reset")
			}
		case err := <-streamErr:
			return errors.Wrap(err, "event stream failed")
		case <-ticker.C:
			status, err := txStatus(ctx, c, txID)
			if err != nil {
				return err
			}
			if status != types.StatusPending {
				return flowFinished(out, status == types.StatusFailed)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func flowFinished(out io.Writer, failed bool) error {
	if failed {
		fmt.Fprintf(out, "Flow finished: %s\n", types.PhaseFailed)
		return errors.New("transaction failed")
	}
	fmt.Fprintf(out, "Flow finished: %s\n", types.PhaseCompleted)
	return nil
}

func txStatus(ctx context.Context, c *client.Client, txID string) (types.Status, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	state, err := c.ChainState(reqCtx)
	if err != nil {
		return "", errors.Wrap(err, "failed to poll chain state")
	}
	for _, tx := range state.Transactions {
		if tx.ID == txID {
			return tx.Status, nil
		}
	}
	return "", errors.New("transaction is gone, the simulation was reset")
}

func runChain(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	state, err := c.ChainState(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Height %d, %d block(s)\n", state.CurrentHeight, len(state.Blocks))
	printBlocks(out, state.Blocks)
	fmt.Fprintf(out, "%d transaction(s)\n", len(state.Transactions))
	for _, tx := range state.Transactions {
		fmt.Fprintf(out, "  %s %-9s %s->%s %s(%s)\n", short(tx.ID), tx.Status, tx.Sender, tx.Receiver, tx.Function, tx.Args)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	result, err := c.Verify(ctx)
	if err != nil {
		return err
	}
	if !result.Valid {
		return errors.Errorf("chain broken at height %d: %s", result.Height, result.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Chain verified")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	if err := c.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Simulation reset")
	return nil
}

func runSpeed(cmd *cobra.Command, args []string) error {
	delay, err := time.ParseDuration(args[0])
	if err != nil {
		return errors.Wrap(err, "invalid delay")
	}
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	got, err := c.SetSpeed(ctx, delay)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Delay between phases is now %s\n", got)
	return nil
}
