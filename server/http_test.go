package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/engine"
	"github.com/ddr4869/flowsim/flow"
	"github.com/ddr4869/flowsim/ledger"
	"github.com/ddr4869/flowsim/network"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var transferDraft = types.Draft{
	Sender:    "org1",
	Receiver:  "org2",
	Type:      "invoke",
	Chaincode: "Asset Management",
	Function:  "transferAsset",
	Args:      "asset1, org2",
}

func newTestEngine(t *testing.T, delay time.Duration) *engine.Engine {
	t.Helper()
	controller := flow.NewController(flow.NewClock(delay), flow.NewPlanner(network.Default(), true, true))
	e := engine.New(ledger.NewStore(), controller, engine.WithQueueSize(2))
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e
}

func newTestHTTP(t *testing.T, delay time.Duration) (*engine.Engine, *httptest.Server) {
	t.Helper()
	e := newTestEngine(t, delay)
	ts := httptest.NewServer(NewHTTPServer(e, "", nil).Handler())
	t.Cleanup(ts.Close)
	return e, ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func waitForHeight(t *testing.T, e *engine.Engine, height uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.ChainState().CurrentHeight < height {
		if time.Now().After(deadline) {
			t.Fatalf("chain did not reach height %d", height)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPSubmitAndRead(t *testing.T) {
	e, ts := newTestHTTP(t, 0)

	var tx types.Transaction
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/v1/transactions", transferDraft, &tx); code != http.StatusAccepted {
		t.Fatalf("submit status = %d", code)
	}
	if tx.Status != types.StatusPending || tx.BlockHeight != 1 || len(tx.ID) != 64 {
		t.Fatalf("submitted tx = %+v", tx)
	}
	waitForHeight(t, e, 1)

	var state types.ChainState
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/v1/chain", nil, &state); code != http.StatusOK {
		t.Fatalf("chain status = %d", code)
	}
	if len(state.Blocks) != 1 || state.Transactions[0].Status != types.StatusCommitted {
		t.Fatalf("state = %+v", state)
	}

	var block types.Block
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/v1/blocks/1", nil, &block); code != http.StatusOK {
		t.Fatalf("block status = %d", code)
	}
	if block.Transactions[0].ID != tx.ID {
		t.Fatalf("block holds %s", block.Transactions[0].ID)
	}

	var got types.Transaction
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/v1/transactions/"+tx.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("transaction status = %d", code)
	}
	if got.Status != types.StatusCommitted {
		t.Fatalf("status = %s", got.Status)
	}

	var result types.VerifyResult
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/v1/chain/verify", nil, &result); code != http.StatusOK || !result.Valid {
		t.Fatalf("verify = %d %+v", code, result)
	}

	var stats ledger.Stats
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/chain/stats", nil, &stats)
	if stats.Committed != 1 || stats.Blocks != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var logs []types.LogEvent
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/logs", nil, &logs)
	if len(logs) == 0 {
		t.Fatal("expected execution log lines")
	}
}

func TestHTTPErrors(t *testing.T) {
	_, ts := newTestHTTP(t, time.Hour)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty sender", http.MethodPost, "/api/v1/transactions", types.Draft{Receiver: "org2"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/transactions", "not a draft", http.StatusBadRequest},
		{"missing block", http.MethodGet, "/api/v1/blocks/7", nil, http.StatusNotFound},
		{"missing transaction", http.MethodGet, "/api/v1/transactions/nope", nil, http.StatusNotFound},
		{"negative speed", http.MethodPut, "/api/v1/speed", map[string]string{"delay": "-1s"}, http.StatusBadRequest},
		{"bad speed", http.MethodPut, "/api/v1/speed", map[string]string{"delay": "fast"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			if code := doJSON(t, tt.method, ts.URL+tt.path, tt.body, &body); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if body["error"] == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestHTTPQueueFull(t *testing.T) {
	_, ts := newTestHTTP(t, time.Hour)

	codes := []int{}
	for i := 0; i < 4; i++ {
		codes = append(codes, doJSON(t, http.MethodPost, ts.URL+"/api/v1/transactions", transferDraft, nil))
	}
	// at most one flow leaves the queue, so the fourth cannot fit
	if codes[3] != http.StatusServiceUnavailable {
		t.Fatalf("statuses = %v", codes)
	}
}

func TestHTTPSpeedAndReset(t *testing.T) {
	e, ts := newTestHTTP(t, time.Hour)

	var speed speedBody
	if code := doJSON(t, http.MethodPut, ts.URL+"/api/v1/speed", map[string]string{"delay": "250ms"}, &speed); code != http.StatusOK {
		t.Fatalf("set speed status = %d", code)
	}
	if speed.DelayMs != 250 || e.Speed() != 250*time.Millisecond {
		t.Fatalf("speed = %+v", speed)
	}
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/speed", nil, &speed)
	if speed.Delay != "250ms" {
		t.Fatalf("speed = %+v", speed)
	}

	if code := doJSON(t, http.MethodPut, ts.URL+"/api/v1/speed", map[string]int64{"delayMs": 0}, &speed); code != http.StatusOK || e.Speed() != 0 {
		t.Fatalf("set speed by millis = %d %s", code, e.Speed())
	}

	e.SetSpeed(time.Hour)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/transactions", transferDraft, nil)
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/v1/reset", nil, nil); code != http.StatusNoContent {
		t.Fatalf("reset status = %d", code)
	}
	state := e.ChainState()
	if len(state.Transactions) != 0 || state.CurrentHeight != 0 {
		t.Fatalf("state after reset = %+v", state)
	}
}

func TestHTTPHealthAndCORS(t *testing.T) {
	_, ts := newTestHTTP(t, 0)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("missing CORS header")
	}
}

func TestHTTPEventStream(t *testing.T) {
	e, ts := newTestHTTP(t, 0)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tx, err := e.Submit(transferDraft)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var phases []types.Phase
	for {
		var ev types.Event
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Kind == types.EventPhase && ev.Phase.TxID == tx.ID {
			phases = append(phases, ev.Phase.Phase)
		}
		if ev.Kind == types.EventBlock && ev.Block.Transactions[0].ID == tx.ID {
			break
		}
	}
	if len(phases) != len(types.FlowPhases) || phases[len(phases)-1] != types.PhaseCompleted {
		t.Fatalf("phases = %v", phases)
	}
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewHTTPServer(newTestEngine(t, 0), "", zap.New(core).Sugar())

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]any{"ch": make(chan int)})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if logs.FilterMessageSnippet("Failed to write response").Len() != 1 {
		t.Fatalf("expected the encode failure to be logged, got %v", logs.All())
	}
}
