package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"polaralign/internal/equipment"
	"polaralign/internal/pipeline"
)

func newTestClient(t *testing.T, proc pipeline.Processor) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	pipe := pipeline.New(ctx, pipeline.Options{Concurrency: 1}, slog.Default(), nil, proc)
	profiles := equipment.NewStore(filepath.Join(t.TempDir(), "profiles.json"))
	srv := NewSolveServer(pipe, profiles, slog.Default())

	lis := bufconn.Listen(1 << 20)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		cancel()
		pipe.Stop()
		<-done
	})
	return NewClient(conn)
}

func echoProcessor() pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		if job.FrameA == "missing.png" {
			return pipeline.Result{Job: job, Error: errors.New("frame A: no such file")}
		}
		return pipeline.Result{Job: job, Meta: map[string]any{
			"status":   "ok",
			"focal_mm": job.Options["focal_mm"],
		}}
	})
}

func TestSolveRoundTrip(t *testing.T) {
	client := newTestClient(t, echoProcessor())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Solve(ctx, map[string]any{"frame_a": "a.fits", "frame_b": "b.fits", "focal_mm": 700.0})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	meta, ok := out["meta"].(map[string]any)
	if !ok {
		t.Fatalf("reply missing meta: %v", out)
	}
	if meta["status"] != "ok" || meta["focal_mm"] != 700.0 {
		t.Fatalf("unexpected meta %v", meta)
	}
	job := out["job"].(map[string]any)
	if job["frame_b"] != "b.fits" {
		t.Fatalf("unexpected job %v", job)
	}
}

func TestSolveErrorsMapToCodes(t *testing.T) {
	client := newTestClient(t, echoProcessor())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Solve(ctx, map[string]any{"frame_a": "a.fits"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	_, err = client.Solve(ctx, map[string]any{"frame_a": "missing.png", "frame_b": "b.png"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestProfiles(t *testing.T) {
	client := newTestClient(t, echoProcessor())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Profiles(ctx)
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	list, ok := out["profiles"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected profiles %v", out)
	}
	first := list[0].(map[string]any)
	if first["name"] != "Newton 76/700 + ASI678MC" {
		t.Fatalf("unexpected first profile %v", first)
	}
}
