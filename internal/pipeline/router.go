package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"particlestack/internal/align"
	"particlestack/internal/config"
	"particlestack/internal/storage"
	"particlestack/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	alignFn   alignFunc
	datasetFn datasetFunc
	observe   func(jobID string) func(pass string) align.Observer
}

type alignFunc func(ctx context.Context, env tasks.Env, req tasks.AlignRequest) (tasks.AlignResult, error)

type datasetFunc func(ctx context.Context, env tasks.Env, req tasks.DatasetRequest) (tasks.DatasetResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, observe func(jobID string) func(pass string) align.Observer) *router {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		alignFn:   tasks.AlignBatch,
		datasetFn: tasks.RunDataset,
		observe:   observe,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobDataset:
		return r.handleDataset(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)}
	}
}

func (r *router) env(job Job) tasks.Env {
	env := tasks.Env{
		Logger: r.log.With("job", job.ID),
		Store:  r.store,
		JobID:  job.ID,
	}
	if r.observe != nil {
		env.Observe = r.observe(job.ID)
	}
	return env
}

// passOptions merges per-job overrides onto the configured alignment
// defaults. outputDir anchors the plot directory when plotting is enabled.
func (r *router) passOptions(opts map[string]any, outputDir string) tasks.PassOptions {
	po := tasks.PassOptions{
		Threshold:        r.cfg.Alignment.Threshold,
		ProgressInterval: r.cfg.Alignment.ProgressInterval,
		SnapshotDir:      r.cfg.Alignment.SnapshotDir,
	}
	if v, ok := lookupFloat64(opts, "threshold"); ok {
		po.Threshold = v
	}
	if v, ok := lookupInt(opts, "progressInterval"); ok {
		po.ProgressInterval = v
	}
	if v := getStringOption(opts, "snapshotDir"); v != "" {
		po.SnapshotDir = v
	}
	plot := r.cfg.Alignment.PlotConvergence
	if v, ok := opts["plot"].(bool); ok {
		plot = v
	}
	if v := getStringOption(opts, "plotDir"); v != "" {
		po.PlotDir = v
	} else if plot {
		po.PlotDir = filepath.Join(outputDir, "plots")
	}
	return po
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		output = r.cfg.Paths.DefaultOutput
	}
	outDir := output
	if filepath.Ext(output) != "" {
		outDir = filepath.Dir(output)
	}

	refIndex, ok := lookupInt(job.Options, "referenceIndex")
	if !ok {
		refIndex = 0
	}
	exts := getStringSliceOption(job.Options, "extensions")
	if len(exts) == 0 {
		exts = r.cfg.Dataset.Extensions
	}

	res, err := r.alignFn(ctx, r.env(job), tasks.AlignRequest{
		InputDir:       job.InputPath,
		Output:         output,
		Reference:      getStringOption(job.Options, "reference"),
		ReferenceIndex: refIndex,
		Extensions:     exts,
		Options:        r.passOptions(job.Options, outDir),
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	meta := passMeta(res.PassResult)
	meta["reference"] = res.Reference
	meta["imageCount"] = res.ImageCount
	meta["dimensions"] = res.Dimensions
	return Result{Job: job, Meta: meta}
}

func (r *router) handleDataset(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		output = r.cfg.Paths.DefaultOutput
	}

	refIndex, ok := lookupInt(job.Options, "referenceIndex")
	if !ok {
		refIndex = r.cfg.Dataset.ReferenceIndex
	}
	splitAt, ok := lookupInt(job.Options, "splitAt")
	if !ok {
		splitAt = r.cfg.Dataset.SplitAt
	}
	concurrent := r.cfg.Dataset.ConcurrentPasses
	if v, ok := job.Options["concurrent"].(bool); ok {
		concurrent = v
	}
	exts := getStringSliceOption(job.Options, "extensions")
	if len(exts) == 0 {
		exts = r.cfg.Dataset.Extensions
	}
	format := getStringOption(job.Options, "format")
	if format != "" && !strings.HasPrefix(format, ".") {
		format = "." + format
	}

	res, err := r.datasetFn(ctx, r.env(job), tasks.DatasetRequest{
		InputDir:       job.InputPath,
		OutputDir:      output,
		ReferenceIndex: refIndex,
		SplitAt:        splitAt,
		Concurrent:     concurrent,
		Extensions:     exts,
		Format:         format,
		Options:        r.passOptions(job.Options, output),
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	meta := map[string]any{
		"reference":  res.Reference,
		"imageCount": res.ImageCount,
		"dimensions": res.Dimensions,
		"set1":       passMeta(res.Set1),
		"set2":       passMeta(res.Set2),
		"final":      passMeta(res.Final),
		"output":     res.Final.OutputFile,
	}
	return Result{Job: job, Meta: meta}
}

func passMeta(p tasks.PassResult) map[string]any {
	meta := map[string]any{
		"output":         p.OutputFile,
		"accepted":       p.Stats.Accepted,
		"rejected":       p.Stats.Rejected,
		"total":          p.Stats.Total,
		"acceptedCount":  p.AcceptedCount,
		"acceptanceRate": p.Stats.AcceptanceRate(),
		"duration":       p.Duration,
	}
	if len(p.Plots) > 0 {
		meta["plots"] = p.Plots
	}
	if len(p.Snapshots) > 0 {
		meta["snapshots"] = p.Snapshots
	}
	return meta
}

// Helper functions to safely extract typed options from job.Options map.
// Options decoded from JSON carry numbers as float64 and lists as []any.

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getStringSliceOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return strings.Split(val, ",")
	}
	return nil
}

func lookupFloat64(options map[string]any, key string) (float64, bool) {
	switch val := options[key].(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

func lookupInt(options map[string]any, key string) (int, bool) {
	switch val := options[key].(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val == float64(int(val)) {
			return int(val), true
		}
	case json.Number:
		n, err := val.Int64()
		return int(n), err == nil
	}
	return 0, false
}
