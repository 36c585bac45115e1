package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConnectorExecuteMethod — метод внешнего коннектора. Запрос и ответ — google.protobuf.Struct:
// {capability_id, payload, metadata} -> {status_code, result, error_message, retry_after_ms}.
const ConnectorExecuteMethod = "/connector.v1.ConnectorService/Execute"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера. При timeout <= 0 берется 15 секунд.
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// Call реализует интерфейс engine.ExecutionProvider
func (a *GRPCAdapter) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// 1. Конвертируем JSON-байты в Protobuf Value
	var body interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"capability_id": capID,
		"payload":       body,
		"metadata":      map[string]interface{}{"source": "able-gate"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Даже если ReliabilityWrapper имеет свой таймаут, адаптер должен иметь свой предел
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. Выполняем gRPC вызов к коннектору
	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ConnectorExecuteMethod, req, resp); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 4. Проверяем статус внутри ответа
	fields := resp.GetFields()
	if code := int(fields["status_code"].GetNumberValue()); code != 0 {
		msg := fields["error_message"].GetStringValue()
		if ms := fields["retry_after_ms"].GetNumberValue(); ms > 0 {
			return nil, &ThrottleError{
				RetryAfter: time.Duration(ms) * time.Millisecond,
				Cause:      fmt.Errorf("connector returned error [%d]: %s", code, msg),
			}
		}
		return nil, fmt.Errorf("connector returned error [%d]: %s", code, msg)
	}

	// 5. Маршалим результат обратно в JSON для гейта
	result, ok := fields["result"]
	if !ok {
		return nil, nil
	}
	out, err := json.Marshal(result.AsInterface())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}
