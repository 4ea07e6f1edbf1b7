package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"orderflow/internal/model"
)

// FileLog stores each partition as a JSONL file. Appends are fsynced before
// returning. The line index of an entry is its offset.
type FileLog struct {
	dir   string
	parts []*filePartition
}

type filePartition struct {
	mu     sync.Mutex
	f      *os.File
	starts []int64 // byte position of each line
	size   int64
}

func partitionPath(dir string, p int) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%d.jsonl", p))
}

// OpenFileLog opens or creates the partition files under dir.
func OpenFileLog(dir string, partitions int) (*FileLog, error) {
	if partitions < 1 {
		partitions = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	l := &FileLog{dir: dir}
	for p := 0; p < partitions; p++ {
		fp, err := openPartition(partitionPath(dir, p))
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open partition %d: %w", p, err)
		}
		l.parts = append(l.parts, fp)
	}
	return l, nil
}

// openPartition indexes complete lines and truncates a torn final line left
// by a crash mid-append.
func openPartition(path string) (*filePartition, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fp := &filePartition{f: f}
	r := bufio.NewReader(f)
	var pos int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		fp.starts = append(fp.starts, pos)
		pos += int64(len(line))
	}
	if err := f.Truncate(pos); err != nil {
		f.Close()
		return nil, err
	}
	fp.size = pos
	return fp, nil
}

func (l *FileLog) Partitions() int { return len(l.parts) }

func (l *FileLog) Append(ctx context.Context, ev *model.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, publishFailed("file append", err)
	}
	if err := checkPartition(l, ev.Partition); err != nil {
		return 0, publishFailed("file append", err)
	}
	fp := l.parts[ev.Partition]
	fp.mu.Lock()
	defer fp.mu.Unlock()

	off := int64(len(fp.starts))
	ev.Sequence = off
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	b = append(b, '\n')
	if _, err := fp.f.WriteAt(b, fp.size); err != nil {
		_ = fp.f.Truncate(fp.size)
		return 0, publishFailed("file write", err)
	}
	if err := fp.f.Sync(); err != nil {
		_ = fp.f.Truncate(fp.size)
		return 0, publishFailed("file sync", err)
	}
	fp.starts = append(fp.starts, fp.size)
	fp.size += int64(len(b))
	return off, nil
}

func (l *FileLog) ReadFrom(_ context.Context, partition int, offset int64, max int) ([]Record, error) {
	if err := checkPartition(l, partition); err != nil {
		return nil, err
	}
	fp := l.parts[partition]
	fp.mu.Lock()
	n := int64(len(fp.starts))
	if offset < 0 || offset >= n {
		fp.mu.Unlock()
		return nil, nil
	}
	end := n
	if max > 0 && offset+int64(max) < end {
		end = offset + int64(max)
	}
	from := fp.starts[offset]
	to := fp.size
	if end < n {
		to = fp.starts[end]
	}
	fp.mu.Unlock()

	buf := make([]byte, to-from)
	if _, err := fp.f.ReadAt(buf, from); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read partition %d: %w", partition, err)
	}
	out := make([]Record, 0, end-offset)
	off := offset
	for _, line := range bytes.SplitAfter(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if off >= end {
			break
		}
		out = append(out, Record{Partition: partition, Offset: off, Value: line})
		off++
	}
	return out, nil
}

func (l *FileLog) Head(_ context.Context, partition int) (int64, error) {
	if err := checkPartition(l, partition); err != nil {
		return 0, err
	}
	fp := l.parts[partition]
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return int64(len(fp.starts)), nil
}

func (l *FileLog) Close() error {
	var first error
	for _, fp := range l.parts {
		if err := fp.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
