package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"astromeas/internal/fsutil"
	"astromeas/internal/measure"
	"astromeas/internal/pipeline"
	"astromeas/internal/storage"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "astromeas.v1.Measurement"

// Queue is the part of the pipeline the service needs.
type Queue interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// MeasurementServer is the server API of ServiceName. Requests and replies
// are google.protobuf.Struct so the service needs no generated messages.
type MeasurementServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAlgorithms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSources(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// MeasurementService implements MeasurementServer over a pipeline.
type MeasurementService struct {
	queue   Queue
	store   *storage.Store
	catalog *measure.Catalog
	log     *slog.Logger

	started   time.Time
	submitted atomic.Int64
}

// NewMeasurementService wires the service. store may be nil, in which case
// GetSources is unavailable.
func NewMeasurementService(queue Queue, store *storage.Store, catalog *measure.Catalog, log *slog.Logger) *MeasurementService {
	if catalog == nil {
		catalog = measure.Default()
	}
	return &MeasurementService{queue: queue, store: store, catalog: catalog, log: log, started: time.Now()}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *MeasurementService) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", addr)
	return grpcServer.Serve(listen)
}

// RegisterWithServer registers the service with grpcServer.
func (s *MeasurementService) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}

func stringField(req *structpb.Struct, key string) string {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// toStruct round-trips v through JSON into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues a job. Fields: type ("measure" or "psf"), image,
// footprints, algorithm, options (struct) and wait (bool). With wait set
// the reply carries the finished result.
func (s *MeasurementService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job := pipeline.Job{
		Type:       pipeline.JobType(stringField(req, "type")),
		InputPath:  stringField(req, "image"),
		Footprints: stringField(req, "footprints"),
		Algorithm:  stringField(req, "algorithm"),
		Options:    req.GetFields()["options"].GetStructValue().AsMap(),
	}
	if job.Type == "" {
		job.Type = pipeline.JobMeasure
	}
	switch job.Type {
	case pipeline.JobMeasure:
		if job.InputPath == "" {
			return nil, status.Error(codes.InvalidArgument, "image is required")
		}
		if job.Footprints == "" {
			job.Footprints = fsutil.FootprintsFor(job.InputPath)
			if job.Footprints == "" {
				return nil, status.Errorf(codes.InvalidArgument, "no footprint file for %s", job.InputPath)
			}
		}
	case pipeline.JobPSF:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type %q", job.Type)
	}

	wait := req.GetFields()["wait"].GetBoolValue()
	var results <-chan pipeline.Result
	if wait {
		var unsubscribe func()
		results, unsubscribe = s.queue.Subscribe()
		defer unsubscribe()
	}

	id, err := s.queue.Submit(job)
	if errors.Is(err, pipeline.ErrQueueFull) {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.submitted.Add(1)

	if !wait {
		return structpb.NewStruct(map[string]any{"id": id})
	}
	res, err := pipeline.Wait(ctx, results, id)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return toStruct(res)
}

// ListAlgorithms returns the registered algorithm names per family.
func (s *MeasurementService) ListAlgorithms(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	algs := s.catalog.Algorithms()
	out := make(map[string]any, len(algs)+1)
	for family, names := range algs {
		list := make([]any, len(names))
		for i, n := range names {
			list[i] = n
		}
		out[family] = list
	}
	out["uptime_seconds"] = time.Since(s.started).Seconds()
	out["jobs_submitted"] = float64(s.submitted.Load())
	return structpb.NewStruct(out)
}

// GetSources returns the stored sources of the job named by field "id".
func (s *MeasurementService) GetSources(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "no result store")
	}
	id := stringField(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	sums, err := s.store.SourcesForJob(id)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if len(sums) == 0 {
		return nil, status.Errorf(codes.NotFound, "no sources for job %s", id)
	}
	return toStruct(map[string]any{"id": id, "sources": sums})
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeasurementServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeasurementServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listAlgorithmsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeasurementServer).ListAlgorithms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListAlgorithms"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeasurementServer).ListAlgorithms(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getSourcesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeasurementServer).GetSources(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetSources"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeasurementServer).GetSources(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeasurementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "ListAlgorithms", Handler: listAlgorithmsHandler},
		{MethodName: "GetSources", Handler: getSourcesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "astromeas/v1/measurement.proto",
}

// Client calls ServiceName over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit calls Submit with the given request fields.
func (c *Client) Submit(ctx context.Context, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "Submit", in, opts...)
}

// ListAlgorithms calls ListAlgorithms.
func (c *Client) ListAlgorithms(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "ListAlgorithms", nil, opts...)
}

// GetSources calls GetSources for job id.
func (c *Client) GetSources(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "GetSources", map[string]any{"id": id}, opts...)
}
