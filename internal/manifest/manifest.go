package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultKafkaKey = "ranking-manifest-latest"

// ErrNoManifest means no snapshot has been published yet.
var ErrNoManifest = errors.New("no manifest published")

// Manifest points at the latest ranking snapshot and the offsets it covers.
type Manifest struct {
	SnapshotID           string        `json:"snapshotId"`
	Offsets              map[int]int64 `json:"offsets"`
	CreatedAtEpochSecond int64         `json:"createdAt"`
}

type Publisher interface {
	PublishLatest(ctx context.Context, snapshotID string, offsets map[int]int64) error
}

type Reader interface {
	ReadLatest(ctx context.Context) (Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisherImpl struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &MultiPublisherImpl{pubs: pubs}
}

func (m *MultiPublisherImpl) PublishLatest(ctx context.Context, snapshotID string, offsets map[int]int64) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(ctx, snapshotID, offsets); err != nil {
			return err
		}
	}
	return nil
}

func newManifest(snapshotID string, offsets map[int]int64) Manifest {
	return Manifest{
		SnapshotID:           snapshotID,
		Offsets:              offsets,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) file() string { return filepath.Join(f.baseDir, "manifest.latest.json") }

// PublishLatest replaces the manifest file with a rename so readers never see
// a partial write.
func (f *FilesystemManifest) PublishLatest(_ context.Context, snapshotID string, offsets map[int]int64) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m := newManifest(snapshotID, offsets)
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := f.file() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, f.file()); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest(_ context.Context) (Manifest, error) {
	data, err := os.ReadFile(f.file())
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaManifest publishes manifest.latest as a compacted Kafka record.
// Close releases the writer.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
func NewKafkaManifest(brokers []string, topic string, key string) *KafkaManifest {
	if key == "" {
		key = DefaultKafkaKey
	}
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

func (k *KafkaManifest) Close() error {
	if c, ok := k.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (k *KafkaManifest) PublishLatest(ctx context.Context, snapshotID string, offsets map[int]int64) error {
	m := newManifest(snapshotID, offsets)
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b}); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// messageReader abstracts kafka.Reader for testability.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
// The scan stops at the partition's high watermark read before it starts;
// timeout only bounds a broker that stops answering.
type KafkaReader struct {
	open    func() messageReader
	head    func(ctx context.Context) (int64, error)
	key     []byte
	timeout time.Duration
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	if key == "" {
		key = DefaultKafkaKey
	}
	return &KafkaReader{
		open: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		head: func(ctx context.Context) (int64, error) {
			if len(brokers) == 0 {
				return 0, errors.New("no kafka brokers configured")
			}
			dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			conn, err := kafka.DialLeader(dctx, "tcp", brokers[0], topic, 0)
			if err != nil {
				return 0, err
			}
			defer conn.Close()
			return conn.ReadLastOffset()
		},
		key:     []byte(key),
		timeout: 10 * time.Second,
	}
}

// NewKafkaReaderWith is only for tests to inject a fake reader and head.
func NewKafkaReaderWith(open func() messageReader, head func(context.Context) (int64, error), key string, timeout time.Duration) *KafkaReader {
	return &KafkaReader{open: open, head: head, key: []byte(key), timeout: timeout}
}

// ReadLatest scans the topic from the start up to its current end and keeps
// the last record for the key. The topic is compacted, so the scan stays short.
func (k *KafkaReader) ReadLatest(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	end := int64(-1)
	if k.head != nil {
		h, err := k.head(ctx)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest topic head: %w", err)
		}
		if h <= 0 {
			return Manifest{}, ErrNoManifest
		}
		end = h
	}

	r := k.open()
	defer r.Close()

	var last Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				if end >= 0 {
					return Manifest{}, fmt.Errorf("read kafka manifest before offset %d: %w", end, ctx.Err())
				}
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) == string(k.key) {
			var man Manifest
			if err := json.Unmarshal(m.Value, &man); err != nil {
				return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
			}
			last = man
		}
		if end >= 0 && m.Offset+1 >= end {
			break
		}
	}
	if last.SnapshotID == "" {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
