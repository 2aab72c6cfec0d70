// Package ai wraps the gRPC parser sidecar behind the normalizer's
// fallback interface. When no sidecar address is configured the client
// degrades to a no-op that reports every payload as unparseable, so the
// pipeline never depends on the sidecar being up.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/normalizer"
	"github.com/vigiasec/ingest/pb"
)

// parseTimeout caps a single sidecar round trip so a slow model cannot
// stall the normalization of a whole batch.
const parseTimeout = 10 * time.Second

// ParserClient talks to the AI parser sidecar.
type ParserClient struct {
	conn   *grpc.ClientConn
	client pb.ParserServiceClient
	log    zerolog.Logger
}

var _ normalizer.AIParser = (*ParserClient)(nil)

// NewParserClient dials the sidecar. addr may be empty, in which case
// the client runs with a mock that never parses anything.
func NewParserClient(addr string) (*ParserClient, error) {
	log := logging.WithComponent("ai-parser")

	if addr == "" {
		log.Warn().Msg("no parser address configured, AI fallback disabled")
		return &ParserClient{client: &pb.MockParserClient{}, log: log}, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("ai: dial parser %s: %w", addr, err)
	}

	return &ParserClient{
		conn:   conn,
		client: pb.NewParserServiceClient(conn),
		log:    log,
	}, nil
}

// ParseEvent sends one unrecognized payload to the sidecar and maps the
// response onto the normalizer's result type. A response with
// Parsed=false comes back as (nil, nil): not an error, just no reading.
func (p *ParserClient) ParseEvent(ctx context.Context, vendor string, payload map[string]any) (*normalizer.AIResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ai: encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, parseTimeout)
	defer cancel()

	resp, err := p.client.ParseEvent(ctx, &pb.ParseRequest{
		Vendor:  vendor,
		Payload: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: parse event: %w", err)
	}
	if !resp.Parsed {
		return nil, nil
	}

	p.log.Debug().
		Str("vendor", vendor).
		Float64("confidence", resp.Confidence).
		Msg("parser produced a reading")

	return &normalizer.AIResult{
		Title:       resp.Title,
		Description: resp.Description,
		Severity:    resp.Severity,
	}, nil
}

// GenerateInsight asks the sidecar for a natural-language summary of the
// given events. Returns "" when the sidecar is absent or declines.
func (p *ParserClient) GenerateInsight(ctx context.Context, connectorID, orgID int64, events []map[string]any) (string, float64, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return "", 0, fmt.Errorf("ai: encode events: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, parseTimeout)
	defer cancel()

	resp, err := p.client.GenerateInsight(ctx, &pb.InsightRequest{
		ConnectorId:    connectorID,
		OrganizationId: orgID,
		EventsJson:     raw,
	})
	if err != nil {
		return "", 0, fmt.Errorf("ai: generate insight: %w", err)
	}
	return resp.Summary, resp.Confidence, nil
}

// Close releases the underlying connection.
func (p *ParserClient) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
