package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlestack/internal/align"
	"particlestack/internal/fsutil"
	"particlestack/internal/raster"
	"particlestack/internal/storage"
)

// writeDataset saves n wrap-shifted copies of one random pattern into a
// temporary directory.
func writeDataset(t *testing.T, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	pattern, err := raster.Generate(16, 16, func(int, int) float64 { return rng.Float64() })
	require.NoError(t, err)

	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := align.ApplyShift(pattern, i%5-2, 3-i%4)
		require.NoError(t, fsutil.SaveImage(img, filepath.Join(dir, fmt.Sprintf("img_%03d.tif", i))))
	}
	return dir
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingObserver struct {
	mu     sync.Mutex
	images map[string]int
	done   map[string]int
}

func (c *countingObserver) forPass(pass string) align.Observer {
	return align.ObserverFuncs{
		OnImage: func(align.Record) {
			c.mu.Lock()
			c.images[pass]++
			c.mu.Unlock()
		},
		OnBatch: func(align.Summary) {
			c.mu.Lock()
			c.done[pass]++
			c.mu.Unlock()
		},
	}
}

func TestAlignBatch(t *testing.T) {
	dir := writeDataset(t, 6)
	store := newStore(t)
	out := filepath.Join(t.TempDir(), "out")
	snaps := filepath.Join(t.TempDir(), "snaps")
	plots := filepath.Join(t.TempDir(), "plots")
	counter := &countingObserver{images: map[string]int{}, done: map[string]int{}}

	env := Env{Store: store, JobID: "job-align", Observe: counter.forPass}
	res, err := AlignBatch(context.Background(), env, AlignRequest{
		InputDir:       dir,
		Output:         out + string(filepath.Separator),
		ReferenceIndex: 0,
		Options: PassOptions{
			Threshold:        align.DefaultThreshold,
			ProgressInterval: 2,
			SnapshotDir:      snaps,
			PlotDir:          plots,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, align.Stats{Accepted: 6, Total: 6}, res.Stats)
	assert.Equal(t, 7, res.AcceptedCount)
	assert.Equal(t, 6, res.ImageCount)
	assert.Equal(t, "16x16", res.Dimensions)
	assert.Equal(t, filepath.Join(out, "average.tif"), res.OutputFile)
	assert.FileExists(t, res.OutputFile)
	assert.Len(t, res.Snapshots, 3)
	assert.Len(t, res.Plots, 3)
	assert.Equal(t, 6, counter.images["align"])
	assert.Equal(t, 1, counter.done["align"])

	avg, err := fsutil.LoadImage(res.OutputFile)
	require.NoError(t, err)
	first, err := fsutil.LoadImage(filepath.Join(dir, "img_000.tif"))
	require.NoError(t, err)
	assert.True(t, raster.EqualApprox(first, avg, 1), "average should match the reference")

	runs, err := store.BatchRuns("job-align")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 6, runs[0].Accepted)
	assert.Equal(t, res.OutputFile, runs[0].OutputPath)

	al, err := store.Alignments(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, al, 6)
	assert.Equal(t, 0, al[0].ShiftX)
	assert.Equal(t, 0, al[0].ShiftY)
	assert.Equal(t, filepath.Join(dir, "img_001.tif"), al[1].SourcePath)
}

func TestAlignBatchReferenceErrors(t *testing.T) {
	dir := writeDataset(t, 2)
	_, err := AlignBatch(context.Background(), Env{}, AlignRequest{InputDir: dir, ReferenceIndex: 5, Options: PassOptions{Threshold: 0.8}})
	assert.ErrorContains(t, err, "out of range")

	_, err = AlignBatch(context.Background(), Env{}, AlignRequest{InputDir: dir, Reference: filepath.Join(dir, "missing.tif")})
	assert.Error(t, err)
}

func TestAlignBatchShapeMismatch(t *testing.T) {
	dir := writeDataset(t, 2)
	small, err := raster.Constant(4, 4, 1)
	require.NoError(t, err)
	require.NoError(t, fsutil.SaveImage(small, filepath.Join(dir, "img_999.tif")))

	_, err = AlignBatch(context.Background(), Env{}, AlignRequest{InputDir: dir, Output: filepath.Join(t.TempDir(), "a.tif"), Options: PassOptions{Threshold: 0.8}})
	assert.ErrorIs(t, err, align.ErrShapeMismatch)
}

func TestAlignBatchCancelled(t *testing.T) {
	dir := writeDataset(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AlignBatch(ctx, Env{}, AlignRequest{InputDir: dir, Options: PassOptions{Threshold: 0.8}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunDataset(t *testing.T) {
	for _, concurrent := range []bool{true, false} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			dir := writeDataset(t, 8)
			store := newStore(t)
			out := t.TempDir()

			res, err := RunDataset(context.Background(), Env{Store: store, JobID: "job-ds"}, DatasetRequest{
				InputDir:       dir,
				OutputDir:      out,
				ReferenceIndex: 2,
				SplitAt:        5,
				Concurrent:     concurrent,
				Options:        PassOptions{Threshold: align.DefaultThreshold},
			})
			require.NoError(t, err)

			assert.Equal(t, filepath.Join(dir, "img_002.tif"), res.Reference)
			assert.Equal(t, 8, res.ImageCount)
			assert.Equal(t, align.Stats{Accepted: 5, Total: 5}, res.Set1.Stats)
			assert.Equal(t, align.Stats{Accepted: 3, Total: 3}, res.Set2.Stats)
			assert.Equal(t, align.Stats{Accepted: 1, Total: 1}, res.Final.Stats)
			for _, name := range []string{"result_set1.tif", "result_set2.tif", "final_result.tif"} {
				assert.FileExists(t, filepath.Join(out, name))
			}
			assert.True(t, raster.EqualApprox(res.Set1.Average(), res.Final.Average(), 1e-6))

			runs, err := store.BatchRuns("job-ds")
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "final", runs[2].Pass)
			assert.Equal(t, "result_set1", runs[2].Reference)
		})
	}
}

func TestRunDatasetValidation(t *testing.T) {
	dir := writeDataset(t, 3)
	_, err := RunDataset(context.Background(), Env{}, DatasetRequest{InputDir: dir, OutputDir: t.TempDir(), ReferenceIndex: 99, SplitAt: 1})
	assert.ErrorContains(t, err, "out of range")

	_, err = RunDataset(context.Background(), Env{}, DatasetRequest{InputDir: dir, OutputDir: t.TempDir(), SplitAt: 0})
	assert.ErrorContains(t, err, "split")

	_, err = RunDataset(context.Background(), Env{}, DatasetRequest{InputDir: t.TempDir(), SplitAt: 1})
	assert.Error(t, err)
}

func TestRunDatasetSplitBeyondEnd(t *testing.T) {
	dir := writeDataset(t, 3)
	res, err := RunDataset(context.Background(), Env{}, DatasetRequest{InputDir: dir, OutputDir: t.TempDir(), SplitAt: 250, Options: PassOptions{Threshold: 0.8}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Set1.Stats.Total)
	assert.Equal(t, 0, res.Set2.Stats.Total)
	assert.Equal(t, 1, res.Final.Stats.Total)
}

func TestOutputFile(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "average.tif", outputFile("", "average.tif"))
	assert.Equal(t, filepath.Join(dir, "average.tif"), outputFile(dir, "average.tif"))
	assert.Equal(t, filepath.Join("out", "average.tif"), outputFile("out", "average.tif"))
	assert.Equal(t, "x/result.png", outputFile("x/result.png", "average.tif"))
}

func TestDirectoryWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDirectoryWatcher([]string{dir}, 100*time.Millisecond, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for _, name := range []string{"a.tif", "b.tiff", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !(seen["a.tif"] && seen["b.tiff"]) {
		select {
		case ev := <-w.Events:
			assert.Equal(t, dir, ev.Dir)
			for _, f := range ev.Files {
				seen[filepath.Base(f)] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for directory event, saw %v", seen)
		}
	}
	assert.False(t, seen["notes.txt"])

	require.NoError(t, w.Stop())
	for range w.Events {
	}
}
