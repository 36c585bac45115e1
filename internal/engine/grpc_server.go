package engine

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/trace"
)

// GateExecuteMethod — полное имя метода для интерцепторов и клиентов.
const GateExecuteMethod = "/able.v1.Gate/Execute"

// GateServer — сервис able.v1.Gate. Запрос и ответ — google.protobuf.Struct,
// поэтому сгенерированный код не нужен: описание сервиса ниже собрано руками.
type GateServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var gateServiceDesc = grpc.ServiceDesc{
	ServiceName: "able.v1.Gate",
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: gateExecuteHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "able/v1/gate.proto",
}

func RegisterGateServer(s grpc.ServiceRegistrar, srv GateServer) {
	s.RegisterService(&gateServiceDesc, srv)
}

func gateExecuteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GateExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGateServer struct {
	gate *ExecutionGate
}

func NewGRPCGateServer(gate *ExecutionGate) *GRPCGateServer {
	return &GRPCGateServer{gate: gate}
}

type grpcExecuteRequest struct {
	AuthorityID   string       `json:"authority_id"`
	Action        trace.Action `json:"action"`
	CorrelationID string       `json:"correlation_id"`
}

func (s *GRPCGateServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> JSON -> запрос гейта (тот же формат, что и у HTTP)
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	var in grpcExecuteRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if in.AuthorityID == "" {
		return nil, status.Error(codes.InvalidArgument, "authority_id is required")
	}

	t, err := s.gate.Execute(ctx, Request{
		AuthorityID:   in.AuthorityID,
		Action:        in.Action,
		CorrelationID: in.CorrelationID,
	})
	if err != nil {
		return nil, grpcStatus(err)
	}

	// 2. Ответ обратно в Struct
	out, err := json.Marshal(trace.NewEntry(t))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode trace: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode trace: %v", err)
	}
	resp, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode trace: %v", err)
	}
	return resp, nil
}

func grpcStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	var c codes.Code
	switch authority.Kind(err) {
	case "not_found":
		c = codes.NotFound
	case "already_consumed", "expired":
		c = codes.FailedPrecondition
	case "scope_mismatch", "invalid_delegation":
		c = codes.PermissionDenied
	case "invalid_price", "invalid_scope":
		c = codes.InvalidArgument
	default:
		c = codes.Internal
	}
	return status.Error(c, err.Error())
}
