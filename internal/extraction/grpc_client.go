package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Method names of the extraction service. Requests and responses are
// google.protobuf.Struct messages.
const (
	MethodExtractTopics  = "/planner.extraction.v1.ExtractionService/ExtractTopics"
	MethodEstimateEffort = "/planner.extraction.v1.ExtractionService/EstimateEffort"
)

const (
	maxTopicChars     = 180
	maxEvidenceChars  = 240
	maxRationaleChars = 180
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed collaborator response")
)

// GrpcClient calls the extraction service over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	APIKey           string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the extraction service and waits until the
// connection is ready. Extra dial options are appended to the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to extraction service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("extraction service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to extraction service", "address", cfg.Address)
	return &GrpcClient{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service of the collaborator.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("extraction service status %s", resp.GetStatus())
	}
	return nil
}

func (c *GrpcClient) call(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if c.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ExtractTopics sends one chunk of text and returns the topics found. An
// empty topic list from the service falls back to the heuristic.
func (c *GrpcClient) ExtractTopics(ctx context.Context, text string) ([]domain.TopicCandidate, error) {
	resp, err := c.call(ctx, MethodExtractTopics, map[string]any{
		"text":               text,
		"max_evidence_words": 20,
	})
	if err != nil {
		return nil, err
	}
	list := resp.GetFields()["topics"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: missing topics list", errMalformedResponse)
	}
	var topics []domain.TopicCandidate
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		topic := strings.TrimSpace(fields["topic"].GetStringValue())
		if topic == "" {
			continue
		}
		evidence := truncate(strings.TrimSpace(fields["evidence_summary"].GetStringValue()), maxEvidenceChars)
		if evidence == "" {
			evidence = "Extracted topic evidence."
		}
		topics = append(topics, domain.TopicCandidate{Topic: truncate(topic, maxTopicChars), EvidenceSummary: evidence})
	}
	if len(topics) == 0 {
		c.logger.Debug("Extraction service returned no topics, using heuristic")
		return HeuristicTopics(text), nil
	}
	return topics, nil
}

// EstimateEffort asks the service for one topic estimate within the
// request bounds. Out-of-range values are clamped and unknown priorities
// derived from minutes.
func (c *GrpcClient) EstimateEffort(ctx context.Context, req EstimateRequest) (Estimate, error) {
	lo, hi := req.Bounds()
	resp, err := c.call(ctx, MethodEstimateEffort, map[string]any{
		"topic":            req.Topic,
		"evidence_summary": req.EvidenceSummary,
		"source_count":     req.SourceCount,
		"min_minutes":      lo,
		"max_minutes":      hi,
	})
	if err != nil {
		return Estimate{}, err
	}
	fields := resp.GetFields()
	minutes := clamp(60, lo, hi)
	if v, ok := fields["estimated_minutes"]; ok {
		n := v.GetNumberValue()
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return Estimate{}, fmt.Errorf("%w: estimated_minutes not finite", errMalformedResponse)
		}
		// Clamp before converting; int() of a huge float is undefined.
		minutes = int(math.Round(math.Max(float64(lo), math.Min(float64(hi), n))))
	}

	priority := PriorityFromMinutes(minutes)
	if v, ok := fields["priority"]; ok {
		switch p := domain.Priority(strings.ToLower(strings.TrimSpace(v.GetStringValue()))); p {
		case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
			priority = p
		}
	}
	confidence := 0.65
	if v, ok := fields["confidence"]; ok {
		confidence = v.GetNumberValue()
	}
	confidence = round2(math.Max(0, math.Min(1, confidence)))

	rationale := truncate(strings.TrimSpace(fields["rationale"].GetStringValue()), maxRationaleChars)
	if rationale == "" {
		rationale = "Model estimate"
	}
	return Estimate{Minutes: minutes, Priority: priority, Confidence: confidence, Rationale: rationale}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
