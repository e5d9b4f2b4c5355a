// Package publisher forwards committed blocks to external consumers.
package publisher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ddr4869/flowsim/common/types"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderHeight = "height"
	HeaderTxID   = "tx-id"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per committed block, keyed by block hash
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *zap.SugaredLogger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newPublisher(w, topic, log), nil
}

func newPublisher(w messageWriter, topic string, log *zap.SugaredLogger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &KafkaPublisher{writer: w, topic: topic, log: log}
}

// PublishBlock implements engine.BlockSink
func (p *KafkaPublisher) PublishBlock(ctx context.Context, block *types.Block) error {
	if block == nil {
		return errors.New("block cannot be nil")
	}
	value, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "failed to marshal block")
	}

	msg := kafka.Message{
		Key:   []byte(block.Hash),
		Value: value,
		Time:  block.Timestamp,
		Headers: []kafka.Header{
			{Key: HeaderHeight, Value: []byte(strconv.FormatUint(block.Height, 10))},
		},
	}
	for _, tx := range block.Transactions {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderTxID, Value: []byte(tx.ID)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to publish block %d to %s", block.Height, p.topic)
	}
	p.log.Debugf("Published block %d to %s", block.Height, p.topic)
	return nil
}

// Close flushes pending messages and releases the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
