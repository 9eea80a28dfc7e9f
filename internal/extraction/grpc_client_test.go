package extraction

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/retry"
)

type fakeHandler func(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)

func startFakeService(t *testing.T, apiKey string, handler fakeHandler) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := handler(stream.Context(), method, req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///bufnet",
		APIKey:         apiKey,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("Failed to build struct: %v", err)
	}
	return s
}

func TestGrpcClientExtractTopics(t *testing.T) {
	var gotAuth, gotMethod, gotText string
	client := startFakeService(t, "secret", func(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
		gotMethod = method
		gotText = req.GetFields()["text"].GetStringValue()
		if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get("authorization")) > 0 {
			gotAuth = md.Get("authorization")[0]
		}
		return mustStruct(t, map[string]any{
			"topics": []any{
				map[string]any{"topic": "  Limits ", "evidence_summary": "Week 2 slides"},
				map[string]any{"topic": ""},
				map[string]any{"topic": "Continuity"},
			},
		}), nil
	})

	topics, err := client.ExtractTopics(context.Background(), "chunk text")
	if err != nil {
		t.Fatalf("ExtractTopics failed: %v", err)
	}
	if gotMethod != MethodExtractTopics {
		t.Errorf("Expected method %s, got %s", MethodExtractTopics, gotMethod)
	}
	if gotText != "chunk text" {
		t.Errorf("Expected text to be forwarded, got %q", gotText)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer metadata, got %q", gotAuth)
	}
	if len(topics) != 2 {
		t.Fatalf("Expected 2 topics, got %+v", topics)
	}
	if topics[0].Topic != "Limits" || topics[0].EvidenceSummary != "Week 2 slides" {
		t.Errorf("Unexpected first topic: %+v", topics[0])
	}
	if topics[1].EvidenceSummary != "Extracted topic evidence." {
		t.Errorf("Expected default evidence, got %q", topics[1].EvidenceSummary)
	}
}

func TestGrpcClientExtractTopicsMalformed(t *testing.T) {
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return mustStruct(t, map[string]any{"unexpected": true}), nil
	})
	if _, err := client.ExtractTopics(context.Background(), "text"); !errors.Is(err, errMalformedResponse) {
		t.Errorf("Expected malformed response error, got %v", err)
	}
}

func TestGrpcClientExtractTopicsEmptyFallsBack(t *testing.T) {
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return mustStruct(t, map[string]any{"topics": []any{}}), nil
	})
	topics, err := client.ExtractTopics(context.Background(), "Matrix Algebra notes")
	if err != nil {
		t.Fatalf("ExtractTopics failed: %v", err)
	}
	if len(topics) != 1 || topics[0].Topic != "Matrix Algebra" {
		t.Errorf("Expected heuristic topic, got %+v", topics)
	}
}

func TestGrpcClientEstimateEffortClamps(t *testing.T) {
	client := startFakeService(t, "", func(_ context.Context, method string, _ *structpb.Struct) (*structpb.Struct, error) {
		if method != MethodEstimateEffort {
			return nil, status.Error(codes.Unimplemented, method)
		}
		return mustStruct(t, map[string]any{
			"estimated_minutes": 900,
			"priority":          "urgent",
			"confidence":        1.7,
		}), nil
	})
	est, err := client.EstimateEffort(context.Background(), EstimateRequest{Topic: "Limits", SourceCount: 1})
	if err != nil {
		t.Fatalf("EstimateEffort failed: %v", err)
	}
	if est.Minutes != 240 {
		t.Errorf("Expected minutes clamped to 240, got %d", est.Minutes)
	}
	if est.Priority != domain.PriorityHigh {
		t.Errorf("Expected priority derived from minutes, got %s", est.Priority)
	}
	if est.Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %v", est.Confidence)
	}
	if est.Rationale != "Model estimate" {
		t.Errorf("Expected default rationale, got %q", est.Rationale)
	}
}

func TestGrpcClientEstimateEffortUsesRequestBounds(t *testing.T) {
	var answer atomic.Value
	answer.Store(1e30)
	client := startFakeService(t, "", func(_ context.Context, _ string, req *structpb.Struct) (*structpb.Struct, error) {
		f := req.GetFields()
		if f["min_minutes"].GetNumberValue() != 30 || f["max_minutes"].GetNumberValue() != 180 {
			return nil, status.Errorf(codes.InvalidArgument, "unexpected bounds %v", f)
		}
		return mustStruct(t, map[string]any{"estimated_minutes": answer.Load()}), nil
	})

	req := EstimateRequest{Topic: "Limits", MinMinutes: 30, MaxMinutes: 180}
	est, err := client.EstimateEffort(context.Background(), req)
	if err != nil {
		t.Fatalf("EstimateEffort failed: %v", err)
	}
	if est.Minutes != 180 {
		t.Errorf("Expected huge value clamped to 180, got %d", est.Minutes)
	}

	answer.Store(-1e30)
	est, err = client.EstimateEffort(context.Background(), req)
	if err != nil {
		t.Fatalf("EstimateEffort failed: %v", err)
	}
	if est.Minutes != 30 {
		t.Errorf("Expected negative value clamped to 30, got %d", est.Minutes)
	}
}

func TestGrpcClientHealth(t *testing.T) {
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Expected serving health, got %v", err)
	}
}

func instantPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Base:        time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		if calls.Add(1) < 3 {
			return nil, status.Error(codes.Unavailable, "overloaded")
		}
		return mustStruct(t, map[string]any{
			"topics": []any{map[string]any{"topic": "Series"}},
		}), nil
	})
	r := NewResilient(client, instantPolicy(5), nil)

	out, err := r.ExtractTopics(context.Background(), "text")
	if err != nil {
		t.Fatalf("ExtractTopics failed: %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", out.Attempts)
	}
	if out.Source != SourceService {
		t.Errorf("Expected service source, got %s", out.Source)
	}
	if len(out.Topics) != 1 || out.Topics[0].Topic != "Series" {
		t.Errorf("Unexpected topics: %+v", out.Topics)
	}
}

func TestResilientExhaustsBudget(t *testing.T) {
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.ResourceExhausted, "quota")
	})
	r := NewResilient(client, instantPolicy(2), nil)

	out, err := r.ExtractTopics(context.Background(), "text")
	var up *domain.UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("Expected upstream error, got %v", err)
	}
	if !up.Exhausted || !up.Retryable {
		t.Errorf("Expected exhausted retryable error, got %+v", up)
	}
	if out.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", out.Attempts)
	}
}

func TestResilientPermanentFailureStopsEarly(t *testing.T) {
	var calls atomic.Int32
	client := startFakeService(t, "", func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		calls.Add(1)
		return nil, status.Error(codes.InvalidArgument, "bad chunk")
	})
	r := NewResilient(client, instantPolicy(5), nil)

	_, err := r.ExtractTopics(context.Background(), "text")
	var up *domain.UpstreamError
	if !errors.As(err, &up) || up.Retryable {
		t.Fatalf("Expected non-retryable upstream error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single call, got %d", calls.Load())
	}
}

type failingCollaborator struct{}

func (failingCollaborator) ExtractTopics(context.Context, string) ([]domain.TopicCandidate, error) {
	return nil, errors.New("service unavailable")
}

func (failingCollaborator) EstimateEffort(context.Context, EstimateRequest) (Estimate, error) {
	return Estimate{}, errors.New("service unavailable")
}

func TestResilientEstimateFallsBackToHeuristic(t *testing.T) {
	r := NewResilient(failingCollaborator{}, instantPolicy(2), nil)
	req := EstimateRequest{Topic: "Limits", EvidenceSummary: "Extracted from PDF text chunk.", SourceCount: 1}

	out := r.EstimateEffort(context.Background(), req)
	if out.Source != SourceHeuristic {
		t.Errorf("Expected heuristic source, got %s", out.Source)
	}
	if out.Minutes != HeuristicEstimate(req).Minutes {
		t.Errorf("Expected heuristic minutes, got %d", out.Minutes)
	}
	if out.Warning == "" {
		t.Error("Expected a fallback warning")
	}
}

func TestResilientWithoutService(t *testing.T) {
	r := NewResilient(nil, instantPolicy(3), nil)
	if r.UsesService() {
		t.Error("Expected no service")
	}
	out, err := r.ExtractTopics(context.Background(), "Fourier Series")
	if err != nil {
		t.Fatalf("ExtractTopics failed: %v", err)
	}
	if out.Source != SourceHeuristic || len(out.Topics) != 1 {
		t.Errorf("Unexpected heuristic extraction: %+v", out)
	}
}
