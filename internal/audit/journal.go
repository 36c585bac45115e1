package audit

/*
Файл journal.go реализует Journal — асинхронную репликацию журнала решений
(trace.Entry) в долговременное хранилище (Postgres или SQLite).

Авторитетная копия записей — trace.MemoryLog внутри процесса: гейт пишет туда синхронно.
Journal лишь переносит те же записи на диск и не влияет на время ответа гейта:
- Non-blocking: Log() не ждет БД; при переполнении буфера запись не теряется из
  MemoryLog, но в хранилище не попадет — это фиксируется ошибкой в логе и метрикой.
- Batching: запись пачками по BatchSize или по таймеру FlushInterval.
- Retry: неудачная пачка повторяется до FlushAttempts раз (транзакция откатывается
  целиком, повтор безопасен) и только потом считается потерянной.
- Drain: Stop() закрывает канал и ждет, пока воркер вычитает остаток и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/trace"
)

// Storage определяет, куда физически пишутся записи.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз (в одной транзакции).
	WriteBatch(ctx context.Context, entries []trace.Entry) error
}

// Auditor: то, что видит гейт.
type Auditor interface {
	Log(entry trace.Entry)
}

// Gauge — минимальный контракт метрики заполненности буфера.
type Gauge interface {
	Set(float64)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushAttempts uint          // попыток записи одной пачки
	RetryDelay    time.Duration // базовая пауза между попытками, растет экспоненциально
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.FlushAttempts == 0 {
		c.FlushAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	return c
}

type Journal struct {
	ch     chan trace.Entry
	repo   Storage
	cfg    Config
	fill   Gauge
	logger *zap.Logger
	wg     sync.WaitGroup

	// closeMu отделяет отправку в канал от его закрытия
	closeMu  sync.RWMutex
	isClosed bool
	dropped  atomic.Uint64
	written  atomic.Uint64
}

func NewJournal(repo Storage, cfg Config, fill Gauge, logger *zap.Logger) *Journal {
	cfg = cfg.withDefaults()
	return &Journal{
		ch:     make(chan trace.Entry, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		fill:   fill,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.closeMu.Lock()
	if j.isClosed {
		j.closeMu.Unlock()
		return
	}
	j.isClosed = true
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.closeMu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully",
		zap.Uint64("written", j.written.Load()),
		zap.Uint64("dropped", j.dropped.Load()),
	)
}

func (j *Journal) Log(entry trace.Entry) {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()

	if j.isClosed {
		j.dropped.Add(1)
		j.logger.Warn("journal entry dropped: journal is stopping", zap.Uint64("trace_id", uint64(entry.Trace.ID)))
		return
	}

	select {
	case j.ch <- entry:
		if j.fill != nil {
			j.fill.Set(float64(len(j.ch)))
		}
	default:
		j.dropped.Add(1)
		j.logger.Error("journal_buffer_overflow",
			zap.Uint64("trace_id", uint64(entry.Trace.ID)),
			zap.String("authority_id", entry.Trace.AuthorityID),
		)
	}
}

// Dropped: сколько записей не дошло до хранилища.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]trace.Entry, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.write(batch); err != nil {
			j.dropped.Add(uint64(len(batch)))
			j.logger.Error("journal flush failed",
				zap.Int("batch", len(batch)),
				zap.Uint64("first_trace_id", uint64(batch[0].Trace.ID)),
				zap.Error(err),
			)
		} else {
			j.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
		if j.fill != nil {
			j.fill.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case entry, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, финальный сброс и выход
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write пишет пачку с повторами. Background: контекст запроса к этому моменту уже завершен.
func (j *Journal) write(batch []trace.Entry) error {
	r := retry.New(
		retry.Context(context.Background()),
		retry.Attempts(j.cfg.FlushAttempts),
		retry.Delay(j.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			j.logger.Warn("journal flush attempt failed",
				zap.Uint("attempt", n+1),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
		}),
	)
	return r.Do(func() error {
		return j.repo.WriteBatch(context.Background(), batch)
	})
}
