package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"particlestack/internal/align"
	"particlestack/internal/config"
	"particlestack/internal/logging"
	"particlestack/internal/metrics"
	"particlestack/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobAlign aligns one directory of images against a reference.
	JobAlign JobType = "align"
	// JobDataset runs the two-subset dataset workflow.
	JobDataset JobType = "dataset"
)

var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrStopped        = errors.New("pipeline is stopped")
	ErrUnknownJobType = errors.New("unknown job type")
)

// ParseJobType validates s as a JobType.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobAlign, JobDataset:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// MarshalJSON renders Error as its message.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Job   Job            `json:"job"`
		Error string         `json:"error,omitempty"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{r.Job, errString(r.Error), r.Meta})
}

// Progress reports one image handled by a running job.
type Progress struct {
	JobID    string      `json:"job_id"`
	Pass     string      `json:"pass"`
	Index    int         `json:"index"`
	ShiftX   int         `json:"shift_x"`
	ShiftY   int         `json:"shift_y"`
	Score    float64     `json:"score"`
	Accepted bool        `json:"accepted"`
	Stats    align.Stats `json:"stats"`
	// Done marks the end of a pass; the image fields are unset.
	Done bool `json:"done,omitempty"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store

	mu     sync.RWMutex
	closed bool

	results  *broadcaster[Result]
	progress *broadcaster[Progress]
}

// New creates a Pipeline with the given number of workers. cfg supplies the
// defaults for options a job does not set.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.processor = newRouter(p.log, store, cfg, p.observer)
	p.start(ctx, concurrency)
	return p
}

// NewWithProcessor is like New but dispatches jobs to proc.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.processor = proc
	p.start(ctx, concurrency)
	return p
}

func newPipeline(concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{
		log:      logger,
		jobs:     make(chan Job, concurrency*2),
		store:    store,
		results:  newBroadcaster[Result](8),
		progress: newBroadcaster[Progress](64),
	}
}

func (p *Pipeline) start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit validates job, assigns an ID when it has none, records it as queued
// and adds it to the processing queue. It returns the job ID.
func (p *Pipeline) Submit(job Job) (string, error) {
	if _, err := ParseJobType(string(job.Type)); err != nil {
		return "", err
	}
	if job.InputPath == "" {
		return "", errors.New("job input path is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", ErrStopped
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		p.results.close()
		p.progress.close()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, id, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log.With("worker", worker), string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}
	metrics.ObserveJob(string(job.Type), status, duration)

	for _, sub := range p.results.publish(res) {
		p.log.Warn("result channel full", "subscriber", sub, "job", job.ID)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.results.subscribe()
}

// SubscribeProgress returns a channel of per-image progress for every running
// job. Events are dropped for subscribers that fall behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	return p.progress.subscribe()
}

// observer returns the per-pass observer factory handed to the tasks of jobID.
func (p *Pipeline) observer(jobID string) func(pass string) align.Observer {
	return func(pass string) align.Observer {
		return align.ObserverFuncs{
			OnImage: func(rec align.Record) {
				p.progress.publish(Progress{
					JobID:    jobID,
					Pass:     pass,
					Index:    rec.Index,
					ShiftX:   rec.ShiftX,
					ShiftY:   rec.ShiftY,
					Score:    rec.Score,
					Accepted: rec.Accepted,
					Stats:    rec.Stats,
				})
			},
			OnBatch: func(sum align.Summary) {
				p.progress.publish(Progress{JobID: jobID, Pass: pass, Stats: sum.Stats, Done: true})
			},
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
