package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"particlestack/internal/align"
	"particlestack/internal/convergence"
	"particlestack/internal/fsutil"
	"particlestack/internal/logging"
	"particlestack/internal/metrics"
	"particlestack/internal/raster"
	"particlestack/internal/storage"
)

// Env carries the collaborators shared by every pass of one job.
type Env struct {
	Logger *slog.Logger
	Store  *storage.Store
	JobID  string
	// Observe, if set, returns an extra observer for the named pass.
	Observe func(pass string) align.Observer
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

// PassOptions configure one aligner pass.
type PassOptions struct {
	Threshold        float64
	ProgressInterval int
	SnapshotDir      string // empty disables snapshots
	PlotDir          string // empty disables convergence plots
}

// PassResult is the outcome of one aligner pass.
type PassResult struct {
	Pass          string      `json:"pass"`
	Stats         align.Stats `json:"stats"`
	AcceptedCount int         `json:"accepted_count"`
	OutputFile    string      `json:"output_file,omitempty"`
	Plots         []string    `json:"plots,omitempty"`
	Snapshots     []string    `json:"snapshots,omitempty"`
	RunID         int64       `json:"run_id,omitempty"`
	Duration      string      `json:"duration"`

	average raster.Image
}

// Average is the final average of the pass.
func (r PassResult) Average() raster.Image { return r.average }

// runPass aligns images against reference with every configured observer
// attached. paths, when given, name the source of each image.
func runPass(ctx context.Context, env Env, pass, refName string, reference raster.Image, images []raster.Image, paths []string, opts PassOptions) (PassResult, error) {
	if err := ctx.Err(); err != nil {
		return PassResult{}, err
	}
	logger := env.logger()
	start := time.Now()

	runID, err := env.Store.RecordBatchRun(storage.BatchRun{
		JobID:     env.JobID,
		Pass:      pass,
		Reference: refName,
		Threshold: opts.Threshold,
		Width:     reference.Width(),
		Height:    reference.Height(),
	})
	if err != nil {
		logger.Warn("failed to record batch run", "pass", pass, "error", err)
	}

	mobs := metrics.NewObserver(pass)
	defer mobs.Release()

	observers := []align.Observer{
		progressLogger{logger: logger, pass: pass},
		mobs,
		&alignmentRecorder{store: env.Store, runID: runID, paths: paths, logger: logger},
	}
	var snaps *snapshotWriter
	if opts.SnapshotDir != "" {
		snaps = &snapshotWriter{dir: opts.SnapshotDir, pass: pass, logger: logger}
		observers = append(observers, snaps)
	}
	var tracker *convergence.Tracker
	if opts.PlotDir != "" {
		tracker = convergence.NewTracker(convergence.DefaultWindow)
		observers = append(observers, tracker)
	}
	if env.Observe != nil {
		observers = append(observers, env.Observe(pass))
	}

	aligner, err := align.NewAligner(reference, align.Options{
		Threshold:        opts.Threshold,
		ProgressInterval: opts.ProgressInterval,
		Observer:         align.MultiObserver(observers...),
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("%s: %w", pass, err)
	}

	logger.Info("alignment pass started", "pass", pass, "images", len(images), "reference", refName, "threshold", opts.Threshold)
	avg, err := aligner.ProcessBatch(images)
	if err != nil {
		return PassResult{}, fmt.Errorf("%s: %w", pass, err)
	}

	st := aligner.Stats()
	duration := time.Since(start)
	logging.LogBatchSummary(logger, pass, st.Total, st.Accepted, st.Rejected, duration)

	res := PassResult{
		Pass:          pass,
		Stats:         st,
		AcceptedCount: len(aligner.Accepted()),
		RunID:         runID,
		Duration:      duration.String(),
		average:       avg,
	}
	if snaps != nil {
		res.Snapshots = snaps.Written()
	}
	if tracker != nil {
		plots, err := tracker.Plot(opts.PlotDir, pass)
		if err != nil && !errors.Is(err, convergence.ErrNoData) {
			logger.Warn("failed to plot convergence", "pass", pass, "error", err)
		}
		res.Plots = plots
	}
	return res, nil
}

// finish saves the pass average and closes the batch run record.
func (r *PassResult) finish(env Env, output string) error {
	if output != "" {
		if err := fsutil.SaveImage(r.average, output); err != nil {
			return err
		}
		r.OutputFile = output
	}
	if err := env.Store.FinishBatchRun(r.RunID, r.Stats.Total, r.Stats.Accepted, r.Stats.Rejected, r.OutputFile); err != nil {
		env.logger().Warn("failed to finish batch run", "run_id", r.RunID, "error", err)
	}
	return nil
}

// AlignRequest defines a single aligner pass over one directory.
type AlignRequest struct {
	InputDir       string
	Output         string // file path, or a directory to receive average.tif
	Reference      string // reference image path; overrides ReferenceIndex
	ReferenceIndex int
	Extensions     []string
	Options        PassOptions
}

// AlignResult captures output metadata of AlignBatch.
type AlignResult struct {
	PassResult
	Reference  string `json:"reference"`
	ImageCount int    `json:"image_count"`
	Dimensions string `json:"dimensions"`
}

// AlignBatch loads every image in req.InputDir, aligns them to the reference
// and writes the final average.
func AlignBatch(ctx context.Context, env Env, req AlignRequest) (AlignResult, error) {
	logger := env.logger()
	images, paths, err := fsutil.LoadDir(req.InputDir, req.Extensions, loadProgress(logger))
	if err != nil {
		return AlignResult{}, err
	}

	var reference raster.Image
	refName := req.Reference
	if refName != "" {
		reference, err = fsutil.LoadImage(refName)
		if err != nil {
			return AlignResult{}, fmt.Errorf("reference: %w", err)
		}
	} else {
		if req.ReferenceIndex < 0 || req.ReferenceIndex >= len(images) {
			return AlignResult{}, fmt.Errorf("reference index %d out of range for %d images", req.ReferenceIndex, len(images))
		}
		reference = images[req.ReferenceIndex]
		refName = paths[req.ReferenceIndex]
	}

	res, err := runPass(ctx, env, "align", refName, reference, images, paths, req.Options)
	if err != nil {
		return AlignResult{}, err
	}
	if err := res.finish(env, outputFile(req.Output, "average.tif")); err != nil {
		return AlignResult{}, err
	}
	return AlignResult{
		PassResult: res,
		Reference:  refName,
		ImageCount: len(images),
		Dimensions: reference.Size().String(),
	}, nil
}

func loadProgress(logger *slog.Logger) func(done, total int) {
	return func(done, total int) {
		if done%50 == 0 || done == total {
			logger.Info("loading images", "loaded", done, "total", total)
		}
	}
}

// outputFile resolves output to a file path: empty or directory-like values
// receive name.
func outputFile(output, name string) string {
	if output == "" {
		return name
	}
	if strings.HasSuffix(output, string(filepath.Separator)) {
		return filepath.Join(output, name)
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, name)
	}
	if filepath.Ext(output) == "" {
		return filepath.Join(output, name)
	}
	return output
}
