package restore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/checkpoint"
	"orderflow/internal/consumer"
	"orderflow/internal/manifest"
	"orderflow/internal/metrics"
	"orderflow/internal/ranking"
	"orderflow/internal/snapshot"
)

type Restorer struct {
	cache          ranking.Cache
	checkpoints    checkpoint.Store
	snapshotter    snapshot.Snapshotter
	manifestReader manifest.Reader
	logger         *zap.Logger
	metrics        *metrics.Registry
}

func NewRestorer(cache ranking.Cache, cps checkpoint.Store, snap snapshot.Snapshotter, mr manifest.Reader, logger *zap.Logger, m *metrics.Registry) *Restorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restorer{
		cache:          cache,
		checkpoints:    cps,
		snapshotter:    snap,
		manifestReader: mr,
		logger:         logger,
		metrics:        m,
	}
}

type RestoreResult struct {
	SnapshotID string
	Items      int
	Offsets    map[int]int64
	Replayed   int
}

// RestoreFromSnapshot loads the snapshot into the cache and seeds every
// partition's checkpoint with the snapshot offset and dedup window, so
// consumption resumes right after the cut. A partition in [0, partitions) that the snapshot does
// not cover starts again from offset 0.
func (r *Restorer) RestoreFromSnapshot(ctx context.Context, snapshotID string, partitions int) (RestoreResult, error) {
	s, err := r.snapshotter.ReadSnapshot(snapshotID)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := r.cache.Load(ctx, s.Scores); err != nil {
		return RestoreResult{}, fmt.Errorf("load ranking: %w", err)
	}
	offsets := make(map[int]int64, partitions)
	for p := 0; p < partitions; p++ {
		offsets[p] = 0
	}
	for p, off := range s.Offsets {
		offsets[p] = off
	}
	for p, off := range offsets {
		cp := checkpoint.Checkpoint{Partition: p, Offset: off, Seen: s.Seen[p]}
		if err := r.checkpoints.Commit(ctx, cp); err != nil {
			return RestoreResult{}, fmt.Errorf("seed checkpoint %d: %w", p, err)
		}
	}
	r.logger.Info("restored ranking from snapshot",
		zap.String("snapshot_id", snapshotID), zap.Int("items", len(s.Scores)), zap.Any("offsets", offsets))
	return RestoreResult{SnapshotID: snapshotID, Items: len(s.Scores), Offsets: offsets}, nil
}

// RestoreAndReplay restores the latest published snapshot, if any, and then
// drains the log from the restored offsets. Without a manifest the group
// replays from whatever its checkpoints hold.
func (r *Restorer) RestoreAndReplay(ctx context.Context, g *consumer.Group) (RestoreResult, error) {
	start := time.Now()
	var res RestoreResult
	m, err := r.manifestReader.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		r.logger.Info("no manifest published, replaying from checkpoints")
	case err != nil:
		return res, fmt.Errorf("read manifest: %w", err)
	default:
		if r.metrics != nil {
			r.metrics.LastManifestAgeSec.Set(time.Since(time.Unix(m.CreatedAtEpochSecond, 0)).Seconds())
		}
		if res, err = r.RestoreFromSnapshot(ctx, m.SnapshotID, g.Partitions()); err != nil {
			return res, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	n, err := g.Drain(ctx)
	res.Replayed = n
	if err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}
	if r.metrics != nil {
		r.metrics.TTRSec.Set(time.Since(start).Seconds())
	}
	r.logger.Info("recovery complete", zap.Int("replayed", n), zap.Duration("took", time.Since(start)))
	return res, nil
}
