package engine

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/able/internal/infra/auth"
)

// UnaryAuthInterceptor проверяет JWT в метаданных gRPC вызова и требуемый скоуп.
func UnaryAuthInterceptor(v auth.TokenValidator, scope string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки обычно в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		// 3. Та же проверка подписи, что и в HTTP
		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		if !claims.HasScope(scope) {
			return nil, status.Errorf(codes.PermissionDenied, "token does not grant %s", scope)
		}

		ctx = auth.WithClaims(ctx, claims)
		if ids := md.Get("x-correlation-id"); len(ids) > 0 {
			ctx = WithCorrelationID(ctx, ids[0])
		}

		return handler(ctx, req)
	}
}
