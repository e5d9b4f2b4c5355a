package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ddr4869/flowsim/common/hashchain"
	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testBlock() *types.Block {
	return &types.Block{
		Height:       3,
		Hash:         hashchain.Sum("block-3"),
		PreviousHash: hashchain.Sum("block-2"),
		Timestamp:    time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		Transactions: []types.Transaction{{ID: "tx3", Sender: "org1", Receiver: "org2", Status: types.StatusCommitted}},
	}
}

func TestPublishBlock(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "flowsim.blocks", nil)

	block := testBlock()
	if err := p.PublishBlock(context.Background(), block); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != block.Hash {
		t.Fatalf("key = %s", msg.Key)
	}
	var decoded types.Block
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Height != 3 || decoded.Transactions[0].ID != "tx3" {
		t.Fatalf("decoded = %+v", decoded)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderHeight] != "3" || headers[HeaderTxID] != "tx3" {
		t.Fatalf("headers = %v", headers)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatal("writer not closed")
	}
}

func TestPublishBlockErrors(t *testing.T) {
	broken := errors.New("broker unreachable")
	p := newPublisher(&fakeWriter{err: broken}, "flowsim.blocks", nil)

	if err := p.PublishBlock(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil block")
	}
	if err := p.PublishBlock(context.Background(), testBlock()); errors.Cause(err) != broken {
		t.Fatalf("expected writer error, got %v", err)
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "topic", nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, "", nil); err == nil {
		t.Fatal("expected error without topic")
	}
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "flowsim.blocks", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
