package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ddr4869/flowsim/client"
	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/engine"
	"github.com/ddr4869/flowsim/server"
	"google.golang.org/grpc"
)

func startRemote(t *testing.T) (*engine.Engine, *client.Client) {
	t.Helper()
	a, err := newApp(testConfig())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.engine.Start(context.Background())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	server.NewGRPCServer(a.engine, nil).Register(gs)
	go gs.Serve(lis)

	c, err := client.Dial(lis.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		a.Close()
		gs.Stop()
	})
	return a.engine, c
}

var remoteDraft = types.Draft{Sender: "org1", Receiver: "org2", Function: "createAsset"}

func TestWaitForFlowFollowsStream(t *testing.T) {
	_, c := startRemote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	tx, err := c.Submit(ctx, remoteDraft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var out bytes.Buffer
	if err := waitForFlow(ctx, &out, c, stream, tx.ID); err != nil {
		t.Fatalf("waitForFlow: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "[Proposal]") || !strings.Contains(text, "Flow finished: Completed") {
		t.Fatalf("unexpected output:\n%s", text)
	}
}

func TestWaitForFlowPollsWhenEventsAreMissed(t *testing.T) {
	e, c := startRemote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.Submit(ctx, remoteDraft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := e.Transaction(tx.ID)
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
		if got.Status == types.StatusCommitted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transaction never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// subscribing after the commit means the terminal phase never arrives
	stream, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var out bytes.Buffer
	if err := waitForFlow(ctx, &out, c, stream, tx.ID); err != nil {
		t.Fatalf("waitForFlow: %v", err)
	}
	if !strings.Contains(out.String(), "Flow finished: Completed") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestWaitForFlowReportsReset(t *testing.T) {
	e, c := startRemote(t)
	if err := e.SetSpeed(time.Hour); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	tx, err := c.Submit(ctx, remoteDraft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Reset()

	if err := waitForFlow(ctx, &bytes.Buffer{}, c, stream, tx.ID); err == nil {
		t.Fatal("expected an error after reset")
	}
}
