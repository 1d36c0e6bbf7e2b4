package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"particlestack/internal/align"
	"particlestack/internal/config"
	"particlestack/internal/tasks"
)

func TestRouterAlignMapsOptions(t *testing.T) {
	stub := &stubTasks{}
	r := stub.router(config.Default())

	out := filepath.Join(t.TempDir(), "avg.png")
	job := Job{
		ID:        "align-1",
		Type:      JobAlign,
		InputPath: "/data/particles",
		Output:    out,
		Options: map[string]any{
			"reference":        "/data/ref.tif",
			"threshold":        0.5,
			"progressInterval": float64(10),
			"extensions":       []any{".tif", ".png"},
			"plot":             true,
		},
	}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if stub.alignCalls != 1 {
		t.Fatalf("expected one align call, got %d", stub.alignCalls)
	}
	req := stub.lastAlign
	if req.Reference != "/data/ref.tif" || req.InputDir != "/data/particles" || req.Output != out {
		t.Fatalf("unexpected request paths: %+v", req)
	}
	if req.Options.Threshold != 0.5 {
		t.Fatalf("expected threshold 0.5, got %v", req.Options.Threshold)
	}
	if req.Options.ProgressInterval != 10 {
		t.Fatalf("expected progress interval 10, got %d", req.Options.ProgressInterval)
	}
	if len(req.Extensions) != 2 || req.Extensions[1] != ".png" {
		t.Fatalf("unexpected extensions %v", req.Extensions)
	}
	if want := filepath.Join(filepath.Dir(out), "plots"); req.Options.PlotDir != want {
		t.Fatalf("expected plot dir %s, got %s", want, req.Options.PlotDir)
	}
	if stub.lastEnv.JobID != "align-1" {
		t.Fatalf("expected env job id align-1, got %q", stub.lastEnv.JobID)
	}
	if res.Meta["accepted"] != 4 || res.Meta["dimensions"] != "8x8" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterAlignUsesConfigDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Alignment.Threshold = 0.25
	cfg.Alignment.ProgressInterval = 7
	cfg.Alignment.SnapshotDir = "/tmp/snaps"
	cfg.Paths.DefaultOutput = "/out"
	stub := &stubTasks{}
	r := stub.router(cfg)

	res := r.Process(context.Background(), Job{ID: "align-2", Type: JobAlign, InputPath: "/in"})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	req := stub.lastAlign
	if req.Options.Threshold != 0.25 || req.Options.ProgressInterval != 7 {
		t.Fatalf("expected configured defaults, got %+v", req.Options)
	}
	if req.Options.SnapshotDir != "/tmp/snaps" {
		t.Fatalf("expected configured snapshot dir, got %q", req.Options.SnapshotDir)
	}
	if req.Options.PlotDir != "" {
		t.Fatalf("expected plotting disabled, got %q", req.Options.PlotDir)
	}
	if req.Output != "/out" || req.ReferenceIndex != 0 {
		t.Fatalf("unexpected output/reference: %+v", req)
	}
}

func TestRouterAlignKeepsZeroThreshold(t *testing.T) {
	stub := &stubTasks{}
	r := stub.router(config.Default())
	r.Process(context.Background(), Job{ID: "a", Type: JobAlign, InputPath: "/in", Options: map[string]any{"threshold": 0}})
	if stub.lastAlign.Options.Threshold != 0 {
		t.Fatalf("expected explicit zero threshold, got %v", stub.lastAlign.Options.Threshold)
	}
}

func TestRouterDatasetMapsOptions(t *testing.T) {
	stub := &stubTasks{}
	r := stub.router(config.Default())

	res := r.Process(context.Background(), Job{
		ID:        "ds-1",
		Type:      JobDataset,
		InputPath: "/in",
		Output:    "/out",
		Options: map[string]any{
			"referenceIndex": 3,
			"splitAt":        float64(10),
			"concurrent":     false,
			"format":         "png",
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	req := stub.lastDataset
	if req.ReferenceIndex != 3 || req.SplitAt != 10 || req.Concurrent {
		t.Fatalf("unexpected dataset request %+v", req)
	}
	if req.Format != ".png" {
		t.Fatalf("expected .png format, got %q", req.Format)
	}
	if req.Options.Threshold != align.DefaultThreshold {
		t.Fatalf("expected default threshold, got %v", req.Options.Threshold)
	}
	if res.Meta["output"] != "/out/final_result.png" {
		t.Fatalf("unexpected output meta %v", res.Meta["output"])
	}
	set1, ok := res.Meta["set1"].(map[string]any)
	if !ok || set1["total"] != 5 {
		t.Fatalf("unexpected set1 meta %v", res.Meta["set1"])
	}
}

func TestRouterDatasetUsesConfigDefaults(t *testing.T) {
	stub := &stubTasks{}
	r := stub.router(config.Default())
	r.Process(context.Background(), Job{ID: "ds-2", Type: JobDataset, InputPath: "/in", Output: "/out"})

	req := stub.lastDataset
	if req.ReferenceIndex != 99 || req.SplitAt != 250 || !req.Concurrent {
		t.Fatalf("expected configured dataset defaults, got %+v", req)
	}
}

func TestRouterPropagatesErrors(t *testing.T) {
	stub := &stubTasks{err: errors.New("boom")}
	r := stub.router(config.Default())
	res := r.Process(context.Background(), Job{ID: "x", Type: JobAlign, InputPath: "/in"})
	if res.Error == nil || res.Error.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", res.Error)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := (&stubTasks{}).router(config.Default())
	res := r.Process(context.Background(), Job{ID: "x", Type: "timelapse"})
	if !errors.Is(res.Error, ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", res.Error)
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{"i": 3, "f": 2.5, "whole": float64(4), "s": "a,b", "bad": "x"}
	if v, ok := lookupInt(opts, "i"); !ok || v != 3 {
		t.Fatalf("lookupInt(i) = %d, %v", v, ok)
	}
	if v, ok := lookupInt(opts, "whole"); !ok || v != 4 {
		t.Fatalf("lookupInt(whole) = %d, %v", v, ok)
	}
	if _, ok := lookupInt(opts, "f"); ok {
		t.Fatalf("lookupInt should reject fractional values")
	}
	if _, ok := lookupInt(opts, "bad"); ok {
		t.Fatalf("lookupInt should reject strings")
	}
	if v, ok := lookupFloat64(opts, "i"); !ok || v != 3 {
		t.Fatalf("lookupFloat64(i) = %v, %v", v, ok)
	}
	if got := getStringSliceOption(opts, "s"); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected slice %v", got)
	}
	if got := getStringSliceOption(opts, "missing"); got != nil {
		t.Fatalf("expected nil slice, got %v", got)
	}
}

// Stubs
type stubTasks struct {
	err         error
	alignCalls  int
	lastAlign   tasks.AlignRequest
	lastDataset tasks.DatasetRequest
	lastEnv     tasks.Env
}

func (s *stubTasks) router(cfg *config.Config) *router {
	r := newRouter(slog.Default(), nil, cfg, nil)
	r.alignFn = s.align
	r.datasetFn = s.dataset
	return r
}

func (s *stubTasks) align(ctx context.Context, env tasks.Env, req tasks.AlignRequest) (tasks.AlignResult, error) {
	s.alignCalls++
	s.lastAlign = req
	s.lastEnv = env
	if s.err != nil {
		return tasks.AlignResult{}, s.err
	}
	return tasks.AlignResult{
		PassResult: tasks.PassResult{Pass: "align", Stats: align.Stats{Accepted: 4, Rejected: 1, Total: 5}, AcceptedCount: 5},
		ImageCount: 5,
		Dimensions: "8x8",
	}, nil
}

func (s *stubTasks) dataset(ctx context.Context, env tasks.Env, req tasks.DatasetRequest) (tasks.DatasetResult, error) {
	s.lastDataset = req
	s.lastEnv = env
	if s.err != nil {
		return tasks.DatasetResult{}, s.err
	}
	return tasks.DatasetResult{
		ImageCount: 8,
		Set1:       tasks.PassResult{Pass: "set1", Stats: align.Stats{Accepted: 5, Total: 5}},
		Set2:       tasks.PassResult{Pass: "set2", Stats: align.Stats{Accepted: 3, Total: 3}},
		Final:      tasks.PassResult{Pass: "final", Stats: align.Stats{Accepted: 1, Total: 1}, OutputFile: req.OutputDir + "/final_result" + req.Format},
	}, nil
}
