package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"lokiseq/domain/message"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes every output event as a JSON envelope. Messages carry
// the event id as a header so consumers can drop redeliveries.
type Sink struct {
	writer messageWriter
}

func NewSink(brokers []string, topic string) *Sink {
	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *Sink) Name() string { return "kafka" }

// Accept writes all events of resp in one batch.
func (s *Sink) Accept(ctx context.Context, resp *message.Response) error {
	envs := message.Envelopes(resp)
	if len(envs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(envs))
	for _, env := range envs {
		value, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(err, "encode envelope")
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(partitionKey(env.Event)),
			Value:   value,
			Headers: []kafka.Header{{Key: "event_id", Value: []byte(env.EventID)}},
		})
	}
	return errors.Wrap(s.writer.WriteMessages(ctx, msgs...), "publish events")
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

// partitionKey keeps each market's order lifecycle and each account's
// balance history in order.
func partitionKey(ev message.Event) string {
	switch e := ev.(type) {
	case message.OrderAccepted:
		return e.Market
	case message.TradeExecuted:
		return e.Market
	case message.OrderUpdated:
		return e.Market
	case message.OrderCancelled:
		return e.Market
	case message.OrderChanged:
		return e.Market
	case message.MarketCreated:
		return e.Market
	case message.BalanceChanged:
		return e.Account
	case message.Rejected:
		return e.Account
	}
	return "sequencer"
}
