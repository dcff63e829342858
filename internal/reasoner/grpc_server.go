package reasoner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClassifierServer is the server side of the reasoning sidecar.
type ClassifierServer interface {
	Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: "cps.reasoner.v1.Reasoner",
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cps/reasoner/v1/reasoner.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClassifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterClassifierServer registers srv on a gRPC server.
func RegisterClassifierServer(s grpc.ServiceRegistrar, srv ClassifierServer) {
	s.RegisterService(&classifierServiceDesc, srv)
}

// Serve exposes any Reasoner as a ClassifierServer, so one process can host
// the model client for several coordinators.
type Serve struct {
	Reasoner Reasoner
}

type wireRequest struct {
	SessionID    string                  `json:"session_id"`
	Message      string                  `json:"message"`
	History      []domain.HistoryMessage `json:"conversation_history"`
	CurrentStage string                  `json:"current_stage"`
	Locale       string                  `json:"locale"`
}

// Classify implements ClassifierServer.
func (s Serve) Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	var wr wireRequest
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if wr.Message == "" {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}

	c, err := s.Reasoner.Reason(ctx, Request{
		SessionID:    wr.SessionID,
		Message:      wr.Message,
		History:      wr.History,
		CurrentStage: domain.Stage(wr.CurrentStage),
		Locale:       wr.Locale,
	})
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "reason: %v", err)
	}
	return payloadToStruct(c.ToPayload())
}

func payloadToStruct(p Payload) (*structpb.Struct, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return structpb.NewStruct(m)
}
