package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
	"particlestack/internal/tasks"
)

type fakeProcessor struct{}

func (f *fakeProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"accepted": 2}}
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *storage.Store
	pipe  *pipeline.Pipeline
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.New(filepath.Join(t.TempDir(), "srv.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	pipe := pipeline.NewWithProcessor(context.Background(), 1, nil, store, &fakeProcessor{})
	t.Cleanup(pipe.Stop)

	srv, err := NewServer(":0", store, pipe, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.runHub(ctx)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, store: store, pipe: pipe}
}

func (f *fixture) submit(t *testing.T, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(f.http.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func waitForStatus(t *testing.T, store *storage.Store, id, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := store.Job(id)
		return err == nil && rec.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServerRequiresPipeline(t *testing.T) {
	_, err := NewServer(":0", nil, nil, nil)
	assert.Error(t, err)
}

func TestSubmitAndFetchJob(t *testing.T) {
	f := newFixture(t, true)

	resp, out := f.submit(t, `{"type":"align","input":"/data/in","output":"/data/out.tif","options":{"threshold":0.5}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := out["id"]
	require.NotEmpty(t, id)
	waitForStatus(t, f.store, id, "completed")

	resp, err := http.Get(f.http.URL + "/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Job  storage.JobRecord `json:"job"`
		Meta map[string]any    `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "align", body.Job.JobType)
	assert.Equal(t, "/data/in", body.Job.InputPath)
	assert.JSONEq(t, `{"threshold":0.5}`, body.Job.OptionsJSON)
	assert.Equal(t, float64(2), body.Meta["accepted"])

	resp2, err := http.Get(f.http.URL + "/jobs?limit=5")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	f := newFixture(t, true)

	resp, out := f.submit(t, `{"type":"panorama","input":"/in"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "unknown job type")

	resp, _ = f.submit(t, `{"type":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, true)
	for _, path := range []string{"/jobs/nope", "/jobs/nope/alignments"} {
		resp, err := http.Get(f.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	f := newFixture(t, false)
	resp, err := http.Get(f.http.URL + "/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestJobAlignments(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.RecordJobQueued(storage.JobRecord{ID: "job-a", JobType: "align", Status: "queued"}))
	runID, err := f.store.RecordBatchRun(storage.BatchRun{JobID: "job-a", Pass: "align", Reference: "ref.tif", Threshold: 0.8, Width: 4, Height: 4})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordAlignments(runID, []storage.Alignment{
		{Index: 0, ShiftX: 1, ShiftY: -2, Score: 3.5, Accepted: true},
		{Index: 1, Score: 0.1},
	}))

	resp, err := http.Get(f.http.URL + "/jobs/job-a/alignments")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []runAlignments
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "ref.tif", out[0].Run.Reference)
	require.Len(t, out[0].Alignments, 2)
	assert.Equal(t, -2, out[0].Alignments[0].ShiftY)
	assert.False(t, out[0].Alignments[1].Accepted)
}

func TestStreamDeliversResults(t *testing.T) {
	f := newFixture(t, false)

	resp, err := http.Get(f.http.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	id, err := f.pipe.Submit(pipeline.Job{Type: pipeline.JobDataset, InputPath: "/in"})
	require.NoError(t, err)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var res struct {
		Job pipeline.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &res))
	assert.Equal(t, id, res.Job.ID)
}

func TestWebSocketBroadcastsResults(t *testing.T) {
	f := newFixture(t, false)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connected", msg.Type)

	id, err := f.pipe.Submit(pipeline.Job{Type: pipeline.JobAlign, InputPath: "/in"})
	require.NoError(t, err)

	for msg.Type != "result" {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	assert.True(t, bytes.Contains(msg.Data, []byte(id)))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `particlestack_http_requests_total{method="GET",route="/healthz",status="2xx"}`)
}

func TestWatchOutputPath(t *testing.T) {
	wl := &watchLoop{}
	assert.Equal(t, filepath.Join("/data", "run1_average.tif"), wl.outputFor("/data/run1"))
	wl.cfg.OutputDir = "/out"
	assert.Equal(t, filepath.Join("/out", "run1_average.tif"), wl.outputFor("/data/run1"))
}

func TestWatchSubmitsJobs(t *testing.T) {
	var got []pipeline.Job
	wl := &watchLoop{
		cfg: WatchConfig{Extensions: []string{".tif"}, Options: map[string]any{"threshold": 0.9}},
		submit: func(j pipeline.Job) (string, error) {
			got = append(got, j)
			return "id-1", nil
		},
		srv: &Server{log: slog.Default()},
	}
	wl.handle(tasks.DirectoryEvent{Dir: "/data/run2", Files: []string{"/data/run2/a.tif"}})
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.JobAlign, got[0].Type)
	assert.Equal(t, "/data/run2", got[0].InputPath)
	assert.Equal(t, 0.9, got[0].Options["threshold"])
	assert.Equal(t, []string{".tif"}, got[0].Options["extensions"])
}
