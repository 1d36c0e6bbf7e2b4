package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"particlestack/internal/align"
	"particlestack/internal/fsutil"
	"particlestack/internal/pipeline"
	"particlestack/internal/raster"
	"particlestack/internal/storage"
)

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"total": 2}}
}

func newTestClient(t *testing.T, store *storage.Store, proc pipeline.Processor) (*Client, *pipeline.Pipeline) {
	t.Helper()
	pipe := pipeline.NewWithProcessor(context.Background(), 1, nil, store, proc)
	t.Cleanup(pipe.Stop)

	lis := bufconn.Listen(1 << 20)
	gs := New(pipe, store, nil).NewGRPCServer()
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), pipe
}

func writeImages(t *testing.T, dir string, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	pattern, err := raster.Generate(8, 8, func(int, int) float64 { return rng.Float64() })
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		img := align.ApplyShift(pattern, i, -i)
		require.NoError(t, fsutil.SaveImage(img, filepath.Join(dir, fmt.Sprintf("f_%02d.tif", i))))
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "grpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitGetList(t *testing.T) {
	store := newStore(t)
	client, _ := newTestClient(t, store, stubProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.Submit(ctx, pipeline.Job{
		Type:      pipeline.JobAlign,
		InputPath: "/data/in",
		Options:   map[string]any{"threshold": 0.9, "extensions": []string{".tif"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec, _, err := client.Get(ctx, id)
		return err == nil && rec.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	rec, meta, err := client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/data/in", rec.InputPath)
	assert.Equal(t, float64(2), meta["total"])

	jobs, err := client.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestErrorCodes(t *testing.T) {
	store := newStore(t)
	client, pipe := newTestClient(t, store, stubProcessor{})
	ctx := context.Background()

	_, err := client.Submit(ctx, pipeline.Job{Type: "stack", InputPath: "/in"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, _, err = client.Get(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, _, err = client.Get(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	pipe.Stop()
	_, err = client.Submit(ctx, pipeline.Job{Type: pipeline.JobAlign, InputPath: "/in"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	client, _ := newTestClient(t, nil, stubProcessor{})
	_, err := client.List(context.Background(), 5)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestWatchProgressStreamsEvents(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 3)

	pipe := pipeline.New(context.Background(), 1, nil, nil, nil)
	t.Cleanup(pipe.Stop)

	lis := bufconn.Listen(1 << 20)
	gs := New(pipe, nil, nil).NewGRPCServer()
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const jobID = "watch-1"
	var events []pipeline.Progress
	errDone := errors.New("done")
	err = client.WatchProgress(ctx, jobID, func() {
		_, err := pipe.Submit(pipeline.Job{ID: jobID, Type: pipeline.JobAlign, InputPath: dir, Output: filepath.Join(t.TempDir(), "avg.tif")})
		require.NoError(t, err)
	}, func(ev pipeline.Progress) error {
		events = append(events, ev)
		if ev.Done {
			return errDone
		}
		return nil
	})
	require.ErrorIs(t, err, errDone)
	require.Len(t, events, 4)
	for i, ev := range events[:3] {
		assert.Equal(t, i, ev.Index)
		assert.Equal(t, "align", ev.Pass)
		assert.True(t, ev.Accepted)
	}
	assert.Equal(t, align.Stats{Accepted: 3, Total: 3}, events[3].Stats)
}
