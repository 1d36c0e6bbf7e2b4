package tasks

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"particlestack/internal/align"
	"particlestack/internal/fsutil"
	"particlestack/internal/logging"
	"particlestack/internal/storage"
)

// progressLogger logs every progress point and a summary at the end.
type progressLogger struct {
	logger *slog.Logger
	pass   string
}

func (p progressLogger) ImageProcessed(rec align.Record) {
	if !rec.Progress {
		return
	}
	logging.LogBatchProgress(p.logger, p.pass, rec.Stats.Total, rec.Stats.Accepted, rec.Stats.Rejected)
	p.logger.Debug("shift found",
		"pass", p.pass,
		"index", rec.Index,
		"shift_x", rec.ShiftX,
		"shift_y", rec.ShiftY,
		"score", fmt.Sprintf("%.3f", rec.Score),
	)
}

func (p progressLogger) BatchCompleted(align.Summary) {}

// alignmentRecorder buffers per-image decisions and writes them to the store
// once the batch completes.
type alignmentRecorder struct {
	store  *storage.Store
	runID  int64
	paths  []string
	logger *slog.Logger

	mu      sync.Mutex
	pending []storage.Alignment
	err     error
}

func (r *alignmentRecorder) ImageProcessed(rec align.Record) {
	a := storage.Alignment{
		RunID:    r.runID,
		Index:    rec.Index,
		ShiftX:   rec.ShiftX,
		ShiftY:   rec.ShiftY,
		Score:    rec.Score,
		Accepted: rec.Accepted,
	}
	if rec.Index < len(r.paths) {
		a.SourcePath = r.paths[rec.Index]
	}
	r.mu.Lock()
	r.pending = append(r.pending, a)
	r.mu.Unlock()
}

func (r *alignmentRecorder) BatchCompleted(align.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.RecordAlignments(r.runID, r.pending); err != nil {
		r.err = err
		r.logger.Warn("failed to record alignments", "run_id", r.runID, "error", err)
	}
	r.pending = nil
}

// snapshotWriter saves the running average at every progress point.
type snapshotWriter struct {
	dir    string
	pass   string
	logger *slog.Logger

	mu      sync.Mutex
	written []string
}

func (s *snapshotWriter) ImageProcessed(rec align.Record) {
	if !rec.Progress {
		return
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_average_%05d.png", s.pass, rec.Stats.Total))
	if err := fsutil.SaveImage(rec.Average, path); err != nil {
		s.logger.Warn("failed to write snapshot", "path", path, "error", err)
		return
	}
	s.mu.Lock()
	s.written = append(s.written, path)
	s.mu.Unlock()
}

func (s *snapshotWriter) BatchCompleted(align.Summary) {}

func (s *snapshotWriter) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}
