package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0644
)

// ViolationWAL is the file-backed spill log for violations that could
// not reach the violation store. Records are JSON lines in size-rotated
// segment files under a single directory; the sweeper replays and then
// truncates them once the store recovers.
type ViolationWAL struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu          sync.Mutex
	current     *os.File
	currentSize int64
	totalSize   int64
	replayed    []string
}

// NewViolationWAL opens (or creates) the WAL directory and its latest
// segment. Segments left over from a previous run stay in place until
// the next replay.
func NewViolationWAL(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*ViolationWAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating WAL directory %s: %w", dir, err)
	}

	w := &ViolationWAL{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "violation_wal"),
	}

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends one violation to the current segment. The write is
// rejected once the WAL's total disk budget is exhausted; losing a spill
// is preferable to filling the node's disk.
func (w *ViolationWAL) Write(_ context.Context, v domain.UserViolation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling violation %s for WAL: %w", v.ID, err)
	}
	data = append(data, '\n')

	if w.current == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if w.totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("WAL disk budget exhausted (%d of %d bytes)", w.totalSize, w.maxTotalSize)
	}

	n, err := w.current.Write(data)
	if err != nil {
		return fmt.Errorf("appending to WAL segment: %w", err)
	}
	w.currentSize += int64(n)
	w.totalSize += int64(n)

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("failed to rotate WAL segment", "error", err)
		}
	}
	return nil
}

// Replay streams every spilled violation, oldest segment first, to the
// handler. Malformed lines are skipped with a warning; a handler error
// aborts the replay so the remaining records survive for the next sweep.
func (w *ViolationWAL) Replay(ctx context.Context, handler func(v domain.UserViolation) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		w.current.Close()
		w.current = nil
	}

	segments, err := w.sortedSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		w.replayed = nil
		return nil
	}
	w.logger.Info("starting WAL replay", "segments", len(segments))

	for _, path := range segments {
		if err := w.replaySegment(ctx, path, handler); err != nil {
			return err
		}
	}

	// Remember what this replay covered: a write that lands between now
	// and the Truncate call opens a new segment, which must survive it.
	w.replayed = segments

	w.logger.Info("WAL replay completed")
	return nil
}

func (w *ViolationWAL) replaySegment(ctx context.Context, path string, handler func(v domain.UserViolation) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening segment %s for replay: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var v domain.UserViolation
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			w.logger.Warn("skipping malformed WAL record", "error", err, "segment", path)
			continue
		}
		if err := handler(v); err != nil {
			w.logger.Error("WAL replay handler failed, stopping replay", "error", err)
			return fmt.Errorf("replay handler: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning segment %s: %w", path, err)
	}
	return nil
}

// Truncate removes the segments covered by the last replay, or every
// segment when no replay preceded it, then reopens the newest survivor.
func (w *ViolationWAL) Truncate(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		w.current.Close()
		w.current = nil
	}

	segments := w.replayed
	if segments == nil {
		var err error
		segments, err = w.sortedSegments()
		if err != nil {
			return err
		}
	}
	for _, path := range segments {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Error("failed to remove WAL segment", "path", path, "error", err)
		}
	}
	w.replayed = nil

	w.logger.Info("WAL truncated", "segments", len(segments))
	return w.openLatestSegment()
}

// Close syncs and closes the active segment.
func (w *ViolationWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Error("failed to sync WAL segment on close", "error", err)
	}
	return w.current.Close()
}

func (w *ViolationWAL) rotate() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Error("failed to sync WAL segment before rotating", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Error("failed to close WAL segment before rotating", "error", err)
		}
		w.current = nil
	}

	name := fmt.Sprintf("%s%d.log", segmentPrefix, time.Now().UnixNano())
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("creating WAL segment %s: %w", path, err)
	}

	w.current = f
	w.currentSize = 0
	w.logger.Info("rotated to new WAL segment", "path", path)
	return nil
}

// openLatestSegment resumes the newest segment if one exists, otherwise
// starts the first. Also establishes the total-size baseline.
func (w *ViolationWAL) openLatestSegment() error {
	segments, err := w.sortedSegments()
	if err != nil {
		return err
	}

	w.totalSize = 0
	for _, path := range segments {
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat WAL segment %s: %w", path, err)
		}
		w.totalSize += stat.Size()
	}

	if len(segments) == 0 {
		return w.rotate()
	}

	latest := segments[len(segments)-1]
	stat, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("stat latest segment %s: %w", latest, err)
	}

	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("opening latest segment %s: %w", latest, err)
	}

	w.current = f
	w.currentSize = stat.Size()
	w.logger.Info("opened existing WAL segment", "path", latest, "size", w.currentSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}
	return nil
}

// sortedSegments lists segment paths oldest first. Segment names embed a
// fixed-width creation timestamp, so the lexicographic order is the
// chronological order.
func (w *ViolationWAL) sortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("reading WAL directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}
