package pb

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// Full method names mirror what protoc would have produced for
// vigia/parser/v1/parser.proto.
const (
	ParserService_ParseEvent_FullMethodName      = "/vigia.parser.v1.ParserService/ParseEvent"
	ParserService_GenerateInsight_FullMethodName = "/vigia.parser.v1.ParserService/GenerateInsight"
)

// jsonCodec carries the hand-written message structs over grpc without
// protoc-generated marshalers. The parser sidecar registers the same
// content-subtype on its end.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

type parserServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewParserServiceClient returns the production client for a dialed conn.
func NewParserServiceClient(cc grpc.ClientConnInterface) ParserServiceClient {
	return &parserServiceClient{cc}
}

func (c *parserServiceClient) ParseEvent(ctx context.Context, in *ParseRequest, opts ...grpc.CallOption) (*ParseResponse, error) {
	out := new(ParseResponse)
	opts = append(opts, grpc.ForceCodec(jsonCodec{}))
	if err := c.cc.Invoke(ctx, ParserService_ParseEvent_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *parserServiceClient) GenerateInsight(ctx context.Context, in *InsightRequest, opts ...grpc.CallOption) (*InsightResponse, error) {
	out := new(InsightResponse)
	opts = append(opts, grpc.ForceCodec(jsonCodec{}))
	if err := c.cc.Invoke(ctx, ParserService_GenerateInsight_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
