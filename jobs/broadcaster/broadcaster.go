package broadcaster

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/domain/message"
	"lokiseq/domain/orderbook"
	"lokiseq/infra/logger"
)

// Broadcaster pushes order lifecycle notifications to a Kafka topic
// through a synchronous producer. Balance and market events are left to
// the other sinks.
type Broadcaster struct {
	producer sarama.SyncProducer
	topic    string
	lg       *logrus.Entry
}

// Notification is the wire form of one order lifecycle event.
type Notification struct {
	V       int               `json:"v"`
	EventID string            `json:"event_id"`
	Type    string            `json:"type"`
	OrderID orderbook.OrderID `json:"order_id"`
	Seq     uint64            `json:"seq"`
	Event   message.Event     `json:"event"`
}

func New(brokers []string, topic string) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sarama producer")
	}
	return NewWithProducer(producer, topic), nil
}

func NewWithProducer(producer sarama.SyncProducer, topic string) *Broadcaster {
	return &Broadcaster{
		producer: producer,
		topic:    topic,
		lg:       logger.WithComponent("broadcaster"),
	}
}

func (b *Broadcaster) Name() string { return "broadcaster" }

// Accept publishes the notifications of one response. A partial failure
// fails the whole response; the processor redelivers it and consumers
// dedupe on event_id.
func (b *Broadcaster) Accept(_ context.Context, resp *message.Response) error {
	var msgs []*sarama.ProducerMessage
	for _, env := range message.Envelopes(resp) {
		id, ok := orderOf(env.Event)
		if !ok {
			continue
		}
		value, err := json.Marshal(Notification{
			V:       1,
			EventID: env.EventID,
			Type:    env.Type,
			OrderID: id,
			Seq:     env.Seq,
			Event:   env.Event,
		})
		if err != nil {
			return errors.Wrap(err, "encode notification")
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(strconv.FormatUint(uint64(id), 10)),
			Value: sarama.ByteEncoder(value),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := b.producer.SendMessages(msgs); err != nil {
		b.lg.WithError(err).WithField("seq", resp.Seq).Warn("notification publish failed")
		return errors.Wrap(err, "publish notifications")
	}
	return nil
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}

// orderOf reports the order an event belongs to. Trades notify under the
// taker order.
func orderOf(ev message.Event) (orderbook.OrderID, bool) {
	switch e := ev.(type) {
	case message.OrderAccepted:
		return e.OrderID, true
	case message.OrderUpdated:
		return e.OrderID, true
	case message.OrderCancelled:
		return e.OrderID, true
	case message.OrderChanged:
		return e.OrderID, true
	case message.TradeExecuted:
		return e.TakerOrderID, true
	case message.Rejected:
		return e.OrderID, e.OrderID != 0
	}
	return 0, false
}
