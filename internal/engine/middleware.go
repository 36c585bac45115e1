package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

const CorrelationHeader = "X-Correlation-ID"

// CorrelationMiddleware присваивает запросу Correlation-ID, который попадет в DecisionTrace.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		id := r.Header.Get(CorrelationHeader)

		// 2. Если его нет, генерируем новый
		if id == "" {
			id = uuid.NewString()
		}

		// 3. Отдаем клиенту, чтобы он мог найти свой трейс
		w.Header().Set(CorrelationHeader, id)

		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID возвращает "" если ID в контексте нет.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
