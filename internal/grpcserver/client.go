package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
)

// Client calls the Jobs service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in any) (*structpb.Struct, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues job and returns its ID.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	out, err := c.invoke(ctx, "Submit", job)
	if err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Get fetches a job and the metadata of its result.
func (c *Client) Get(ctx context.Context, id string) (storage.JobRecord, map[string]any, error) {
	out, err := c.invoke(ctx, "Get", map[string]any{"id": id})
	if err != nil {
		return storage.JobRecord{}, nil, err
	}
	var resp struct {
		Job  storage.JobRecord `json:"job"`
		Meta map[string]any    `json:"meta"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return storage.JobRecord{}, nil, err
	}
	return resp.Job, resp.Meta, nil
}

// List returns the most recent jobs.
func (c *Client) List(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	out, err := c.invoke(ctx, "List", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []storage.JobRecord `json:"jobs"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// WatchProgress calls fn for each progress event of jobID (every job when
// empty) until ctx ends, the server closes the stream or fn returns an error.
// ready, if non-nil, is called once the subscription is established.
func (c *Client) WatchProgress(ctx context.Context, jobID string, ready func(), fn func(pipeline.Progress) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/WatchProgress")
	if err != nil {
		return err
	}
	req, err := toStruct(map[string]any{"job_id": jobID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	if _, err := stream.Header(); err != nil {
		return err
	}
	if ready != nil {
		ready()
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev pipeline.Progress
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
