package engine

/*
ExecutionGate — единственная точка, через которую действие может быть исполнено.

Протокол на запрос:
 1. Validate (только чтение). Отказ -> ошибка, состояние AU не меняется, трейса нет.
 2. Выдача ID трейса и Consume (CAS). Проигравший гонку получает ErrAlreadyConsumed,
    исполнитель не вызывается.
 3. Вызов исполнителя. С этого момента AU потрачена окончательно: ни ошибка, ни отмена
    контекста не откатывают потребление.
 4. DecisionTrace + LiabilityRecord одной записью в журнал, затем асинхронно в Journal.

Гейт держит *authority.Consumer и ExecutionProvider; ни то ни другое не торчит наружу.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/audit"
	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/trace"
)

// ExecutionProvider — внешний исполнитель действий. Учета полномочий не ведет.
type ExecutionProvider interface {
	Call(ctx context.Context, capID string, payload []byte) ([]byte, error)
}

type Request struct {
	AuthorityID   string
	Action        trace.Action
	CorrelationID string
}

type ExecutionGate struct {
	consumer *authority.Consumer
	executor ExecutionProvider
	seq      *trace.Sequencer
	log      trace.Log
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
	tracer   oteltrace.Tracer
	now      func() time.Time
}

// NewExecutionGate собирает гейт. auditor может быть nil (без репликации на диск).
func NewExecutionGate(
	consumer *authority.Consumer,
	executor ExecutionProvider,
	seq *trace.Sequencer,
	log trace.Log,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *ExecutionGate {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ExecutionGate{
		consumer: consumer,
		executor: executor,
		seq:      seq,
		log:      log,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("gate"),
		tracer:   otel.Tracer("github.com/xela07ax/able/internal/engine"),
		now:      time.Now,
	}
}

// Execute возвращает ошибку только при отказе в авторизации (до потребления)
// или при отмене контекста до потребления. После потребления всегда возвращается трейс.
func (g *ExecutionGate) Execute(ctx context.Context, req Request) (trace.DecisionTrace, error) {
	ctx, span := g.tracer.Start(ctx, "ExecutionGate.Execute",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("able.authority_id", req.AuthorityID),
			attribute.String("able.action", req.Action.Name),
		),
	)
	defer span.End()

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = CorrelationID(ctx)
	}

	// Брошенный до потребления запрос ничего не меняет
	if err := ctx.Err(); err != nil {
		return trace.DecisionTrace{}, err
	}

	if err := g.consumer.Validate(req.AuthorityID, req.Action.Scope); err != nil {
		g.reject(span, req, correlationID, err)
		return trace.DecisionTrace{}, err
	}

	if err := ctx.Err(); err != nil {
		return trace.DecisionTrace{}, err
	}

	// ID выдается до вызова исполнителя; проигравший гонку оставляет пропуск в нумерации
	id := g.seq.Next()
	au, err := g.consumer.Consume(ctx, req.AuthorityID, uint64(id))
	if err != nil {
		g.reject(span, req, correlationID, err)
		return trace.DecisionTrace{}, err
	}

	start := g.now()
	action := req.Action.Clone()
	outcome := g.invoke(ctx, action)
	elapsed := g.now().Sub(start)

	t := trace.DecisionTrace{
		ID:            id,
		AuthorityID:   au.ID,
		Authority:     trace.SnapshotOf(au),
		Action:        action,
		Outcome:       outcome,
		CorrelationID: correlationID,
		Timestamp:     start.UTC(),
		DurationMs:    elapsed.Milliseconds(),
	}
	entry := trace.NewEntry(t)

	// Трейс записывается даже если клиент уже ушел
	if err := g.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		g.metrics.TraceAppendFailures.Inc()
		g.logger.Error("failed to append decision trace",
			zap.Uint64("trace_id", uint64(id)),
			zap.String("authority_id", au.ID),
			zap.Error(err),
		)
	}
	if g.auditor != nil {
		g.auditor.Log(entry)
	}

	status := string(outcome.Status)
	g.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
	g.metrics.ExecutionDuration.WithLabelValues(status).Observe(elapsed.Seconds())

	span.SetAttributes(
		attribute.Int64("able.trace_id", int64(id)),
		attribute.String("able.outcome", status),
	)
	if outcome.Status != trace.StatusSuccess {
		span.SetStatus(codes.Error, outcome.Error)
	}

	g.logger.Info("action executed",
		zap.Uint64("trace_id", uint64(id)),
		zap.String("authority_id", au.ID),
		zap.String("action", action.Name),
		zap.String("status", status),
		zap.Int64("price", au.Price),
		zap.String("correlation_id", correlationID),
		zap.Duration("duration", elapsed),
	)
	return t.Clone(), nil
}

// invoke превращает любой исход исполнителя (включая панику) в Outcome.
func (g *ExecutionGate) invoke(ctx context.Context, action trace.Action) (out trace.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("executor panicked", zap.String("action", action.Name), zap.Any("panic", r))
			out = trace.Outcome{Status: trace.StatusFailed, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	// Исполнитель получает копию: записанный payload ему недоступен
	payload := append([]byte(nil), action.Payload...)
	res, err := g.executor.Call(ctx, action.Name, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return trace.Outcome{Status: trace.StatusCancelled, Error: err.Error()}
		}
		return trace.Outcome{Status: trace.StatusFailed, Error: err.Error()}
	}
	return trace.Outcome{Status: trace.StatusSuccess, Result: asJSON(res)}
}

// asJSON оставляет валидный JSON как есть, остальное упаковывает в JSON-строку.
func asJSON(res []byte) json.RawMessage {
	if len(res) == 0 {
		return nil
	}
	if json.Valid(res) {
		return json.RawMessage(res)
	}
	quoted, _ := json.Marshal(string(res))
	return quoted
}

func (g *ExecutionGate) reject(span oteltrace.Span, req Request, correlationID string, err error) {
	kind := authority.Kind(err)
	g.metrics.RejectionsTotal.WithLabelValues(kind).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)

	// Это попытка, а не решение: в журнал трейсов не попадает
	g.logger.Warn("execution attempt rejected",
		zap.String("authority_id", req.AuthorityID),
		zap.String("action", req.Action.Name),
		zap.String("scope", string(req.Action.Scope)),
		zap.String("kind", kind),
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	)
}
