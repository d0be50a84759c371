// Package kafkasink publishes notifications to a Kafka topic, keyed by
// DUNS so every change of one subject lands on the same partition.
package kafkasink

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Linger batches records client side before a produce request.
	Linger time.Duration
}

// Producer is the subset of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Sink struct {
	topic    string
	producer Producer
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dnbwatch"
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithProducer(cfg.Topic, client, log), nil
}

func NewWithProducer(topic string, p Producer, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{topic: topic, producer: p, log: log}
}

func (s *Sink) Name() string { return "kafka" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	return s.HandleBatch(ctx, []domain.Notification{n})
}

// HandleBatch produces the batch synchronously; the first failed record
// fails the batch.
func (s *Sink) HandleBatch(ctx context.Context, batch []domain.Notification) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, n := range batch {
		r, err := s.record(n)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return s.producer.ProduceSync(ctx, records...).FirstErr()
}

func (s *Sink) record(n domain.Notification) (*kgo.Record, error) {
	value, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: s.topic,
		Key:   []byte(n.DUNS),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(n.Type)},
			{Key: "priority", Value: []byte(n.Priority.String())},
			{Key: "registration", Value: []byte(n.Registration)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
	}, nil
}

func (s *Sink) Close() error {
	s.producer.Close()
	return nil
}
