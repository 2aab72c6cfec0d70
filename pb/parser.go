// Package pb carries the hand-written gRPC types for the AI parser
// sidecar. The service contract is small enough that we keep the message
// structs in Go directly instead of generating them from a .proto file.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ParseRequest asks the parser to extract alert fields from an event
// whose vendor has no static normalization rule.
type ParseRequest struct {
	Vendor         string
	OrganizationId int64
	Payload        []byte // raw event JSON
}

// ParseResponse carries the extracted fields. Parsed=false means the
// model could not produce a usable interpretation.
type ParseResponse struct {
	Parsed      bool
	Title       string
	Description string
	Severity    string // low, medium, high, critical
	Confidence  float64
}

// InsightRequest asks for a natural-language summary of recent activity
// on one connector.
type InsightRequest struct {
	ConnectorId    int64
	OrganizationId int64
	EventsJson     []byte
	WindowStart    *timestamppb.Timestamp
	WindowEnd      *timestamppb.Timestamp
}

// InsightResponse carries the generated summary.
type InsightResponse struct {
	Summary    string
	Confidence float64
}

// ParserServiceClient is implemented by the generated client and by the
// mock used in tests and in deployments without a parser sidecar.
type ParserServiceClient interface {
	ParseEvent(ctx context.Context, in *ParseRequest, opts ...grpc.CallOption) (*ParseResponse, error)
	GenerateInsight(ctx context.Context, in *InsightRequest, opts ...grpc.CallOption) (*InsightResponse, error)
}

// MockParserClient answers every parse with a fixed low-confidence
// result. Deployments without AI_PARSER_ADDR fall back to it so the
// pipeline keeps a uniform code path.
type MockParserClient struct {
	Parsed   bool
	Severity string
}

func (m *MockParserClient) ParseEvent(ctx context.Context, in *ParseRequest, opts ...grpc.CallOption) (*ParseResponse, error) {
	if !m.Parsed {
		return &ParseResponse{Parsed: false}, nil
	}
	sev := m.Severity
	if sev == "" {
		sev = "medium"
	}
	return &ParseResponse{
		Parsed:      true,
		Title:       "Evento de " + in.Vendor,
		Description: string(in.Payload),
		Severity:    sev,
		Confidence:  0.5,
	}, nil
}

func (m *MockParserClient) GenerateInsight(ctx context.Context, in *InsightRequest, opts ...grpc.CallOption) (*InsightResponse, error) {
	return &InsightResponse{Summary: "", Confidence: 0}, nil
}
