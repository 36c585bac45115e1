package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/infra/auth"
)

// scopeValidator: токен и есть выданный скоуп.
type scopeValidator struct{}

func (scopeValidator) VerifyToken(tokenStr string) (*auth.Claims, error) {
	if tokenStr == "bad" {
		return nil, errors.New("signature mismatch")
	}
	return &auth.Claims{UserID: "agent", Scopes: map[string]bool{tokenStr: true}}, nil
}

func startGateServer(t *testing.T, f *gateFixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(scopeValidator{}, auth.ScopeExecute, zap.NewNop())))
	RegisterGateServer(srv, NewGRPCGateServer(f.gate))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invokeGate(ctx context.Context, conn *grpc.ClientConn, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, GateExecuteMethod, in, out)
	return out, err
}

func withToken(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", token, "x-correlation-id", "grpc-corr")
}

func TestGRPCGate_Execute(t *testing.T) {
	f := newGateFixture(t, nil)
	conn := startGateServer(t, f)
	au := f.issue(t, "read:file_x", []string{"root", "agentA"}, 10)

	req := map[string]interface{}{
		"authority_id": au.ID,
		"action": map[string]interface{}{
			"name": "echo", "scope": "read:file_x", "payload": map[string]interface{}{"path": "/x"},
		},
	}

	out, err := invokeGate(withToken(auth.ScopeExecute), conn, req)
	require.NoError(t, err)
	tr := out.GetFields()["trace"].GetStructValue().GetFields()
	assert.Equal(t, "SUCCESS", tr["outcome"].GetStructValue().GetFields()["status"].GetStringValue())
	assert.Equal(t, "grpc-corr", tr["correlation_id"].GetStringValue())
	parties := out.GetFields()["liability"].GetStructValue().GetFields()["parties"].GetListValue().GetValues()
	assert.Len(t, parties, 2)

	_, err = invokeGate(withToken(auth.ScopeExecute), conn, req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCGate_Errors(t *testing.T) {
	f := newGateFixture(t, nil)
	conn := startGateServer(t, f)
	au := f.issue(t, "read", []string{"root"}, 1)
	valid := map[string]interface{}{
		"authority_id": au.ID,
		"action":       map[string]interface{}{"name": "noop", "scope": "read"},
	}

	_, err := invokeGate(context.Background(), conn, valid)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invokeGate(withToken("bad"), conn, valid)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invokeGate(withToken(auth.ScopeIssue), conn, valid)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = invokeGate(withToken(auth.ScopeExecute), conn, map[string]interface{}{"action": map[string]interface{}{"name": "noop"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invokeGate(withToken(auth.ScopeExecute), conn, map[string]interface{}{
		"authority_id": au.ID,
		"action":       map[string]interface{}{"name": "noop", "scope": "write"},
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	// Ни один отказ не потребил AU
	snap, _ := f.manager.Get(au.ID)
	assert.False(t, snap.IsConsumed())
}

func TestGRPCStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: x", authority.ErrNotFound), codes.NotFound},
		{authority.ErrAlreadyConsumed, codes.FailedPrecondition},
		{authority.ErrExpired, codes.FailedPrecondition},
		{authority.ErrScopeMismatch, codes.PermissionDenied},
		{authority.ErrInvalidDelegation, codes.PermissionDenied},
		{authority.ErrInvalidPrice, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("unexpected"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(grpcStatus(tc.err)), tc.err.Error())
	}
}
