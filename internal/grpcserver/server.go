// Package grpcserver exposes the job pipeline over gRPC. Messages are
// google.protobuf.Struct values so clients need no generated stubs.
package grpcserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"particlestack/internal/logging"
	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
)

const serviceName = "particlestack.v1.Jobs"

// JobQueue is the part of the pipeline the service drives.
type JobQueue interface {
	Submit(job pipeline.Job) (string, error)
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// JobsServer is the service implementation registered under serviceName.
type JobsServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchProgress(req *structpb.Struct, stream grpc.ServerStream) error
}

// Server implements JobsServer on top of a pipeline and its job store.
type Server struct {
	pipeline JobQueue
	store    *storage.Store
	log      *slog.Logger
}

// New creates a Server. store may be nil, in which case Get and List fail
// with codes.Unavailable.
func New(pipe JobQueue, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{pipeline: pipe, store: store, log: log}
}

// NewGRPCServer returns a grpc.Server with s registered and request logging
// installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             15 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	gs := grpc.NewServer(opts...)
	Register(gs, s)
	return gs
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		// Progress streams only end with their client.
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var job pipeline.Job
	if err := fromStruct(req, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid job: %v", err)
	}
	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": id})
}

func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if err != nil {
		return nil, storeStatus(err)
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storeStatus(err)
	}
	return toStruct(map[string]any{"job": rec, "meta": meta})
}

func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		return nil, storeStatus(err)
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	return toStruct(map[string]any{"jobs": recs})
}

// WatchProgress streams progress events, optionally filtered by job_id,
// until the client goes away or the pipeline stops.
func (s *Server) WatchProgress(req *structpb.Struct, stream grpc.ServerStream) error {
	jobID := req.GetFields()["job_id"].GetStringValue()
	events, unsubscribe := s.pipeline.SubscribeProgress()
	defer unsubscribe()

	// Flush headers once subscribed.
	if err := stream.SendHeader(nil); err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc request", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

func storeStatus(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return status.Error(codes.NotFound, "job not found")
	case errors.Is(err, storage.ErrNotInitialized):
		return status.Error(codes.Unavailable, "job history is not available")
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
