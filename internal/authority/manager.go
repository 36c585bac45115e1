package authority

/*
Файл manager.go реализует AuthorityManager — единственный источник правды о том,
существует ли единица полномочий (AU) и можно ли ее еще использовать.

Устройство хранилища:
- Арена AU, разбитая на шарды по хешу идентификатора. Вставка берет write-lock
  только своего шарда, поэтому несвязанные AU не конкурируют друг с другом.
- Состояние потребления каждой записи — атомарное поле consumedBy (0 = не потреблена).
  Переход выполняется одним CompareAndSwap(0, traceID): выигрывает ровно один вызывающий.
- Записи никогда не удаляются: потребленная AU остается в арене как история для аудита.

Операцию потребления публичная поверхность Manager не экспортирует. Ее держит Consumer,
который выдается только конструктором и передается в ExecutionGate.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 64

// Store — опциональное долговременное зеркало арены (Postgres/SQLite).
type Store interface {
	Insert(ctx context.Context, au AuthorityUnit) error
	// MarkConsumed должен вернуть ErrAlreadyConsumed, если запись уже потреблена.
	MarkConsumed(ctx context.Context, id string, traceID uint64) error
	LoadAll(ctx context.Context) ([]AuthorityUnit, error)
}

type entry struct {
	unit       AuthorityUnit // неизменяемые поля; State/ConsumedBy здесь не используются
	consumedBy atomic.Uint64
}

func (e *entry) snapshot() AuthorityUnit {
	au := e.unit
	au.DelegationChain = cloneChain(e.unit.DelegationChain)
	au.State = StateUnconsumed
	if id := e.consumedBy.Load(); id != 0 {
		au.State = StateConsumed
		au.ConsumedBy = id
	}
	return au
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type Manager struct {
	shards   [shardCount]shard
	matcher  ScopeMatcher
	verifier ChainVerifier
	store    Store
	logger   *zap.Logger

	maxAge  time.Duration
	recheck bool
	now     func() time.Time
}

type Option func(*Manager)

// WithStore включает сквозную запись в долговременное хранилище.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMaxAge задает срок жизни AU с момента выпуска. 0 снимает ограничение.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.maxAge = d }
}

// WithDelegationRecheck повторно проверяет цепочку при каждой валидации
// (например, чтобы учесть отозванных эмитентов).
func WithDelegationRecheck() Option {
	return func(m *Manager) { m.recheck = true }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager создает менеджер и единственную capability на потребление AU.
// Consumer нужно передать в ExecutionGate и больше никуда.
func NewManager(matcher ScopeMatcher, verifier ChainVerifier, logger *zap.Logger, opts ...Option) (*Manager, *Consumer) {
	m := &Manager{
		matcher:  matcher,
		verifier: verifier,
		logger:   logger.Named("authority"),
		now:      time.Now,
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, &Consumer{m: m}
}

func (m *Manager) shardFor(id string) *shard {
	return &m.shards[xxhash.Sum64String(id)%shardCount]
}

func (m *Manager) lookup(id string) *entry {
	s := m.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Issue выпускает новую AU. При любой ошибке AU не создается.
func (m *Manager) Issue(ctx context.Context, scope Scope, chain []string, price int64) (AuthorityUnit, error) {
	if price < 0 {
		return AuthorityUnit{}, fmt.Errorf("%w: %d is negative", ErrInvalidPrice, price)
	}
	if scope == "" {
		return AuthorityUnit{}, fmt.Errorf("%w: scope must be provided", ErrInvalidScope)
	}
	if v, ok := m.matcher.(ScopeValidator); ok {
		if err := v.ValidateScope(scope); err != nil {
			return AuthorityUnit{}, fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
	}
	if len(chain) == 0 {
		return AuthorityUnit{}, fmt.Errorf("%w: chain is empty", ErrInvalidDelegation)
	}
	if err := m.verifier.Verify(chain); err != nil {
		return AuthorityUnit{}, fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}

	// Микросекунды: точность TIMESTAMPTZ, иначе Digest разойдется после перезагрузки из БД
	now := m.now().UTC().Truncate(time.Microsecond)
	au := AuthorityUnit{
		ID:              uuid.NewString(),
		Scope:           scope,
		DelegationChain: cloneChain(chain),
		Price:           price,
		IssuedAt:        now,
		State:           StateUnconsumed,
	}
	if m.maxAge > 0 {
		au.ExpiresAt = now.Add(m.maxAge)
	}

	// Сначала долговременная запись: если она не прошла, AU не существует нигде.
	if m.store != nil {
		if err := m.store.Insert(ctx, au); err != nil {
			return AuthorityUnit{}, fmt.Errorf("authority: persist issued unit: %w", err)
		}
	}

	if err := m.insert(au, 0); err != nil {
		return AuthorityUnit{}, err
	}

	m.logger.Info("authority issued",
		zap.String("authority_id", au.ID),
		zap.String("scope", string(au.Scope)),
		zap.String("root", au.Root()),
		zap.String("holder", au.Holder()),
		zap.Int64("price", au.Price),
	)
	return au, nil
}

func (m *Manager) insert(au AuthorityUnit, consumedBy uint64) error {
	e := &entry{unit: au}
	e.unit.State = ""
	e.unit.ConsumedBy = 0
	e.consumedBy.Store(consumedBy)

	s := m.shardFor(au.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[au.ID]; exists {
		return fmt.Errorf("authority: identity %s already issued", au.ID)
	}
	s.entries[au.ID] = e
	return nil
}

// Validate только читает состояние и никогда его не меняет.
// Потребленная AU дает ErrAlreadyConsumed при любом запрошенном scope.
func (m *Manager) Validate(id string, requested Scope) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.consumedBy.Load() != 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
	}
	if e.unit.Expired(m.now()) {
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if m.recheck {
		if err := m.verifier.Verify(e.unit.DelegationChain); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
		}
	}
	if !m.matcher.Covers(e.unit.Scope, requested) {
		return fmt.Errorf("%w: %q does not cover %q", ErrScopeMismatch, e.unit.Scope, requested)
	}
	return nil
}

// Get отдает снимок для аудита и отображения. Для авторизации не используется.
func (m *Manager) Get(id string) (AuthorityUnit, bool) {
	e := m.lookup(id)
	if e == nil {
		return AuthorityUnit{}, false
	}
	return e.snapshot(), true
}

// Load прогревает арену из долговременного хранилища. Вызывается до начала обслуживания.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	units, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("authority: load units: %w", err)
	}
	consumed := 0
	for _, au := range units {
		if err := m.insert(au, au.ConsumedBy); err != nil {
			return err
		}
		if au.ConsumedBy != 0 {
			consumed++
		}
	}
	m.logger.Info("authority arena warmed up",
		zap.Int("units", len(units)),
		zap.Int("consumed", consumed),
	)
	return nil
}

// LastConsumedBy возвращает наибольший ID трейса, к которому привязана AU.
// Нужен при старте: нумерация трейсов не должна повторить уже занятый ID.
func (m *Manager) LastConsumedBy() uint64 {
	var last uint64
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if id := e.consumedBy.Load(); id > last {
				last = id
			}
		}
		s.mu.RUnlock()
	}
	return last
}

// Consumed возвращает id потребленных AU и ID их трейсов.
func (m *Manager) Consumed() map[string]uint64 {
	out := make(map[string]uint64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for id, e := range s.entries {
			if by := e.consumedBy.Load(); by != 0 {
				out[id] = by
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Consumer — capability на необратимый переход Unconsumed -> Consumed.
type Consumer struct {
	m *Manager
}

// Validate делегирует в Manager.Validate, чтобы гейту хватало одной capability.
func (c *Consumer) Validate(id string, requested Scope) error {
	return c.m.Validate(id, requested)
}

// Consume атомарно привязывает AU к traceID. Из конкурирующих вызовов
// для одного id успешен ровно один, остальные получают ErrAlreadyConsumed.
// Возвращает снимок AU на момент потребления.
func (c *Consumer) Consume(ctx context.Context, id string, traceID uint64) (AuthorityUnit, error) {
	if traceID == 0 {
		return AuthorityUnit{}, fmt.Errorf("authority: trace id must be non-zero")
	}
	e := c.m.lookup(id)
	if e == nil {
		return AuthorityUnit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.consumedBy.CompareAndSwap(0, traceID) {
		return AuthorityUnit{}, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
	}

	// Потребление уже окончательно. Ошибка зеркала не откатывает его.
	if c.m.store != nil {
		if err := c.m.store.MarkConsumed(context.WithoutCancel(ctx), id, traceID); err != nil {
			c.m.logger.Error("failed to mirror consumption",
				zap.String("authority_id", id),
				zap.Uint64("trace_id", traceID),
				zap.Error(err),
			)
		}
	}
	return e.snapshot(), nil
}
