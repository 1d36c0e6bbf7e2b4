package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"particlestack/internal/config"
	"particlestack/internal/grpcserver"
	"particlestack/internal/logging"
	"particlestack/internal/pipeline"
	"particlestack/internal/server"
	"particlestack/internal/storage"
)

// Version is overridden at build time with -ldflags "-X particlestack/internal/cli.Version=...".
var Version = "dev"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// jobsAPI is the remote job service used by submit and jobs --server.
type jobsAPI interface {
	Submit(ctx context.Context, job pipeline.Job) (string, error)
	Get(ctx context.Context, id string) (storage.JobRecord, map[string]any, error)
	List(ctx context.Context, limit int) ([]storage.JobRecord, error)
	WatchProgress(ctx context.Context, jobID string, ready func(), fn func(pipeline.Progress) error) error
}

type dialFunc func(addr string) (jobsAPI, io.Closer, error)

func defaultDial(addr string) (jobsAPI, io.Closer, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return grpcserver.NewClient(conn), conn, nil
}

type serveOptions struct {
	Addr        string
	GRPCAddr    string
	Watch       []string
	WatchOutput string
	Settle      time.Duration
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// defaultServe runs the HTTP server, and the gRPC server when an address is
// set, until ctx is cancelled or either fails.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	srv, err := server.NewServer(opts.Addr, r.store, real, r.log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if len(opts.Watch) > 0 {
		if err := srv.WatchDirectories(server.WatchConfig{
			Dirs:       opts.Watch,
			Settle:     opts.Settle,
			Extensions: r.cfg.Dataset.Extensions,
			OutputDir:  opts.WatchOutput,
		}); err != nil {
			return fmt.Errorf("failed to watch directories: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if opts.GRPCAddr != "" {
		g.Go(func() error { return grpcserver.New(real, r.store, r.log).Serve(gctx, opts.GRPCAddr) })
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	dialFn   dialFunc
}

// NewRoot constructs the shared state of every command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		serveFn: defaultServe,
		dialFn:  defaultDial,
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, fmt.Errorf("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// parseOptions converts key=value pairs into job options, typing numbers and
// booleans.
func parseOptions(pairs map[string]string) map[string]any {
	opts := make(map[string]any, len(pairs))
	for k, v := range pairs {
		switch {
		case v == "true" || v == "false":
			opts[k] = v == "true"
		case strings.Contains(v, ","):
			opts[k] = strings.Split(v, ",")
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				opts[k] = f
			} else {
				opts[k] = v
			}
		}
	}
	return opts
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func printPass(w io.Writer, name string, meta map[string]any) {
	fmt.Fprintf(w, "%-6s accepted %d, rejected %d, total %d", name, metaInt(meta, "accepted"), metaInt(meta, "rejected"), metaInt(meta, "total"))
	if out := metaString(meta, "output"); out != "" {
		fmt.Fprintf(w, " -> %s", out)
	}
	fmt.Fprintln(w)
}
