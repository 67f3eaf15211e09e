package audit

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror copies audit lines onto a Kafka topic. Delivery is
// asynchronous and best-effort; the JSONL file stays the source of truth.
type KafkaMirror struct {
	w   messageWriter
	log *zap.Logger
}

// NewKafkaMirror builds a mirror for a comma-separated broker list.
func NewKafkaMirror(brokers, topic string, log *zap.Logger) *KafkaMirror {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("audit kafka delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaMirror{w: w, log: log}
}

func (m *KafkaMirror) Publish(ctx context.Context, e Entry, line []byte) error {
	key := e.SessionID
	if key == "" {
		key = e.UserID
	}
	return m.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: line,
		Headers: []kafka.Header{
			{Key: "audit-type", Value: []byte(e.Type)},
			{Key: "audit-id", Value: []byte(e.ID)},
		},
		Time: e.Timestamp,
	})
}

func (m *KafkaMirror) Close() error {
	return m.w.Close()
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
