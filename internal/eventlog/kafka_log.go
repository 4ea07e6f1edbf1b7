package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"orderflow/internal/model"
)

// KafkaConfig configures the Kafka-backed logs.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Partitions  int
	ReadTimeout time.Duration
}

// ParseBrokers splits a comma-separated bootstrap list.
func ParseBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// kafkaProducer abstracts kafka.Client for testability.
type kafkaProducer interface {
	Produce(ctx context.Context, req *kafka.ProduceRequest) (*kafka.ProduceResponse, error)
}

// partitionReader abstracts kafka.Reader for testability.
type partitionReader interface {
	SetOffset(offset int64) error
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaLog is a Log on a Kafka topic using the pure-Go segmentio client.
// Appends go through Client.Produce so the broker-assigned offset is returned
// synchronously with the acknowledgment.
type KafkaLog struct {
	cfg       KafkaConfig
	producer  kafkaProducer
	newReader func(partition int) partitionReader
	head      func(ctx context.Context, partition int) (int64, error)
}

func NewKafkaLog(cfg KafkaConfig) *KafkaLog {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	l := &KafkaLog{
		cfg:      cfg,
		producer: &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: 10 * time.Second},
	}
	l.newReader = func(partition int) partitionReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   cfg.ReadTimeout,
		})
	}
	l.head = l.leaderHead
	return l
}

// NewKafkaLogWith is only for tests to inject fakes.
func NewKafkaLogWith(cfg KafkaConfig, p kafkaProducer, newReader func(int) partitionReader, head func(context.Context, int) (int64, error)) *KafkaLog {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &KafkaLog{cfg: cfg, producer: p, newReader: newReader, head: head}
}

func (k *KafkaLog) Partitions() int { return k.cfg.Partitions }

func (k *KafkaLog) Append(ctx context.Context, ev *model.Event) (int64, error) {
	if err := checkPartition(k, ev.Partition); err != nil {
		return 0, publishFailed("kafka append", err)
	}
	// Sequence is the broker offset; readers stamp it from the record.
	ev.Sequence = 0
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	res, err := k.producer.Produce(ctx, &kafka.ProduceRequest{
		Topic:        k.cfg.Topic,
		Partition:    ev.Partition,
		RequiredAcks: kafka.RequireAll,
		Records: kafka.NewRecordReader(kafka.Record{
			Key:   kafka.NewBytes([]byte(ev.PartitionKey)),
			Value: kafka.NewBytes(b),
		}),
	})
	if err != nil {
		return 0, publishFailed("kafka produce", err)
	}
	if res.Error != nil {
		return 0, publishFailed("kafka produce", res.Error)
	}
	if len(res.RecordErrors) > 0 {
		return 0, publishFailed("kafka produce", fmt.Errorf("%d record errors", len(res.RecordErrors)))
	}
	ev.Sequence = res.BaseOffset
	return res.BaseOffset, nil
}

func (k *KafkaLog) ReadFrom(ctx context.Context, partition int, offset int64, max int) ([]Record, error) {
	if err := checkPartition(k, partition); err != nil {
		return nil, err
	}
	head, err := k.head(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("kafka head: %w", err)
	}
	if offset < 0 || offset >= head {
		return nil, nil
	}
	n := head - offset
	if max > 0 && int64(max) < n {
		n = int64(max)
	}

	r := k.newReader(partition)
	defer r.Close()
	if err := r.SetOffset(offset); err != nil {
		return nil, fmt.Errorf("kafka seek: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, k.cfg.ReadTimeout)
	defer cancel()

	out := make([]Record, 0, n)
	for int64(len(out)) < n {
		m, err := r.ReadMessage(rctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("kafka read: %w", err)
		}
		out = append(out, Record{Partition: partition, Offset: m.Offset, Value: m.Value})
	}
	return out, nil
}

func (k *KafkaLog) Head(ctx context.Context, partition int) (int64, error) {
	if err := checkPartition(k, partition); err != nil {
		return 0, err
	}
	return k.head(ctx, partition)
}

// leaderHead returns the high watermark of a partition.
func (k *KafkaLog) leaderHead(ctx context.Context, partition int) (int64, error) {
	if len(k.cfg.Brokers) == 0 {
		return 0, errors.New("no kafka brokers configured")
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(dctx, "tcp", k.cfg.Brokers[0], k.cfg.Topic, partition)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.ReadLastOffset()
}

func (k *KafkaLog) Close() error {
	if c, ok := k.producer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
