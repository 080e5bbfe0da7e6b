package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"polaralign/internal/equipment"
	"polaralign/internal/pipeline"
)

// Pipeline is the part of pipeline.Pipeline the service drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Profiles lists equipment profiles.
type Profiles interface {
	List() ([]equipment.Profile, error)
}

// SolveServer implements SolverServer on top of the job pipeline.
type SolveServer struct {
	pipeline Pipeline
	profiles Profiles
	log      *slog.Logger
	certPath string
	keyPath  string
}

func NewSolveServer(pipe Pipeline, profiles Profiles, log *slog.Logger) *SolveServer {
	if log == nil {
		log = slog.Default()
	}
	return &SolveServer{pipeline: pipe, profiles: profiles, log: log}
}

// UseTLS serves with the given certificate instead of plaintext.
func (s *SolveServer) UseTLS(certPath, keyPath string) {
	s.certPath, s.keyPath = certPath, keyPath
}

// Serve registers the service on a new grpc.Server and serves lis until ctx
// is done.
func (s *SolveServer) Serve(ctx context.Context, lis net.Listener) error {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if s.certPath != "" {
		creds, err := credentials.NewServerTLSFromFile(s.certPath, s.keyPath)
		if err != nil {
			return fmt.Errorf("load server certificate: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterSolverServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String(), "tls", s.certPath != "")
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start listens on addr and serves until ctx is done.
func (s *SolveServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	return s.Serve(ctx, lis)
}

var optionKeys = []string{"focal_mm", "pixel_um", "tolerance_px", "orientation", "profile", "detector"}

// Solve runs a solve job for the frame paths in req and waits for it.
// Sky conditions come back as a normal reply with ok=false.
func (s *SolveServer) Solve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	frameA, _ := in["frame_a"].(string)
	frameB, _ := in["frame_b"].(string)
	if frameA == "" || frameB == "" {
		return nil, status.Errorf(codes.InvalidArgument, "frame_a and frame_b are required")
	}

	options := map[string]any{}
	for _, key := range optionKeys {
		if v, ok := in[key]; ok {
			options[key] = v
		}
	}
	job := pipeline.Job{ID: pipeline.NewID("grpc"), Type: pipeline.JobSolve, FrameA: frameA, FrameB: frameB, Options: options}

	results, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	if _, err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Errorf(codes.ResourceExhausted, "%v", err)
		}
		return nil, status.Errorf(codes.Unavailable, "%v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case res, ok := <-results:
			if !ok {
				return nil, status.Errorf(codes.Unavailable, "pipeline stopped")
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				return nil, status.Errorf(codes.FailedPrecondition, "%v", res.Error)
			}
			return toStruct(res)
		}
	}
}

// Profiles returns {"profiles": [...]}.
func (s *SolveServer) Profiles(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var list []equipment.Profile
	if s.profiles != nil {
		var err error
		if list, err = s.profiles.List(); err != nil {
			return nil, status.Errorf(codes.Internal, "list profiles: %v", err)
		}
	}
	return toStruct(map[string]any{"profiles": list})
}

// toStruct goes through JSON so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}
