package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/consumer"
	"orderflow/internal/manifest"
)

// Snapshot is the ranking at a consistent cut and the next offset of every
// partition that the scores include. Seen holds the consumer dedup window of
// each partition so republished events after the cut stay suppressed.
type Snapshot struct {
	ID        string             `json:"snapshotId"`
	Scores    map[string]float64 `json:"scores"`
	Offsets   map[int]int64      `json:"offsets"`
	Seen      map[int][]string   `json:"seen,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

type Snapshotter interface {
	WriteSnapshot(s Snapshot) error
	ReadSnapshot(snapshotID string) (Snapshot, error)
}

// Source yields a consistent cut, normally a consumer.Group.
type Source interface {
	Snapshot(ctx context.Context) (consumer.Cut, error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, "ranking.json")
}

func (f *FilesystemSnapshotter) WriteSnapshot(s Snapshot) error {
	if err := os.MkdirAll(filepath.Join(f.baseDir, s.ID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	file := f.path(s.ID)
	tmp := file + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&s); err != nil {
		out.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, file)
}

func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) (Snapshot, error) {
	data, err := os.ReadFile(f.path(snapshotID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, nil
}

// NewID names a snapshot after its creation time.
func NewID(now time.Time) string {
	return fmt.Sprintf("snap-%s", now.UTC().Format("20060102T150405.000Z"))
}

// Take writes a snapshot of src and then points the manifest at it.
func Take(ctx context.Context, src Source, w Snapshotter, pub manifest.Publisher, now time.Time) (Snapshot, error) {
	cut, err := src.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{ID: NewID(now), Scores: cut.Scores, Offsets: cut.Offsets, Seen: cut.Seen, CreatedAt: now.UTC()}
	if err := w.WriteSnapshot(s); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot %s: %w", s.ID, err)
	}
	if err := pub.PublishLatest(ctx, s.ID, s.Offsets); err != nil {
		return Snapshot{}, fmt.Errorf("publish manifest %s: %w", s.ID, err)
	}
	return s, nil
}

// Run takes a snapshot every interval until ctx is done.
func Run(ctx context.Context, interval time.Duration, src Source, w Snapshotter, pub manifest.Publisher, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s, err := Take(ctx, src, w, pub, now)
			if err != nil {
				logger.Warn("snapshot failed", zap.Error(err))
				continue
			}
			logger.Info("snapshot written", zap.String("snapshot_id", s.ID), zap.Int("items", len(s.Scores)), zap.Any("offsets", s.Offsets))
		}
	}
}
