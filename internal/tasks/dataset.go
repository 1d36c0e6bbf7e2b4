package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"particlestack/internal/fsutil"
	"particlestack/internal/raster"
)

// DatasetRequest describes a two-subset dataset run: both halves are aligned
// against a common reference, then the second half's average is aligned onto
// the first half's.
type DatasetRequest struct {
	InputDir       string
	OutputDir      string
	ReferenceIndex int
	SplitAt        int
	Concurrent     bool
	Extensions     []string
	Format         string // output extension, ".tif" by default
	Options        PassOptions
}

// DatasetResult captures the three passes of a dataset run.
type DatasetResult struct {
	Reference  string     `json:"reference"`
	ImageCount int        `json:"image_count"`
	Dimensions string     `json:"dimensions"`
	Set1       PassResult `json:"set1"`
	Set2       PassResult `json:"set2"`
	Final      PassResult `json:"final"`
}

// RunDataset loads req.InputDir and runs the set1, set2 and final passes.
// The subset passes share nothing and run concurrently when req.Concurrent
// is set.
func RunDataset(ctx context.Context, env Env, req DatasetRequest) (DatasetResult, error) {
	logger := env.logger()
	images, paths, err := fsutil.LoadDir(req.InputDir, req.Extensions, loadProgress(logger))
	if err != nil {
		return DatasetResult{}, err
	}
	if req.ReferenceIndex < 0 || req.ReferenceIndex >= len(images) {
		return DatasetResult{}, fmt.Errorf("reference index %d out of range for %d images", req.ReferenceIndex, len(images))
	}
	if req.SplitAt < 1 {
		return DatasetResult{}, fmt.Errorf("split point must be at least 1, got %d", req.SplitAt)
	}
	return runDataset(ctx, env, req, images, paths)
}

func runDataset(ctx context.Context, env Env, req DatasetRequest, images []raster.Image, paths []string) (DatasetResult, error) {
	logger := env.logger()
	reference := images[req.ReferenceIndex]
	refName := paths[req.ReferenceIndex]

	split := req.SplitAt
	if split > len(images) {
		split = len(images)
	}
	set1, set2 := images[:split], images[split:]
	paths1, paths2 := paths[:split], paths[split:]
	if len(set2) == 0 {
		logger.Warn("second subset is empty; its average is the reference", "split_at", req.SplitAt, "images", len(images))
	}

	ext := req.Format
	if ext == "" {
		ext = ".tif"
	}
	out := func(name string) string { return filepath.Join(req.OutputDir, name+ext) }

	var res1, res2 PassResult
	pass1 := func(ctx context.Context) (err error) {
		res1, err = runPass(ctx, env, "set1", refName, reference, set1, paths1, req.Options)
		return err
	}
	pass2 := func(ctx context.Context) (err error) {
		res2, err = runPass(ctx, env, "set2", refName, reference, set2, paths2, req.Options)
		return err
	}

	if req.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pass1(gctx) })
		g.Go(func() error { return pass2(gctx) })
		if err := g.Wait(); err != nil {
			return DatasetResult{}, err
		}
	} else {
		if err := pass1(ctx); err != nil {
			return DatasetResult{}, err
		}
		if err := pass2(ctx); err != nil {
			return DatasetResult{}, err
		}
	}

	if err := res1.finish(env, out("result_set1")); err != nil {
		return DatasetResult{}, err
	}
	if err := res2.finish(env, out("result_set2")); err != nil {
		return DatasetResult{}, err
	}

	logger.Info("performing final combination")
	final, err := runPass(ctx, env, "final", "result_set1", res1.Average(), []raster.Image{res2.Average()}, []string{res2.OutputFile}, req.Options)
	if err != nil {
		return DatasetResult{}, err
	}
	if err := final.finish(env, out("final_result")); err != nil {
		return DatasetResult{}, err
	}

	return DatasetResult{
		Reference:  refName,
		ImageCount: len(images),
		Dimensions: reference.Size().String(),
		Set1:       res1,
		Set2:       res2,
		Final:      final,
	}, nil
}
