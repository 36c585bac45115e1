package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/delegation"
	"github.com/xela07ax/able/internal/infra"
)

// RevocationManager держит множество отозванных издателей (корней цепочек).
// L1 — локальная мапа, L2 — Redis-set, изменения разносятся через Pub/Sub.
// Реализует authority.ChainVerifier: цепочка с отозванным звеном невалидна.
type RevocationManager struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
	pending []string // стартовые отзывы, еще не записанные в Redis
	rdb     *redis.Client // nil: только локальное состояние
	metrics *Metrics
	logger  *zap.Logger
}

func NewRevocationManager(rdb *redis.Client, metrics *Metrics, logger *zap.Logger) *RevocationManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &RevocationManager{
		revoked: make(map[string]struct{}),
		rdb:     rdb,
		metrics: metrics,
		logger:  logger.Named("revocation"),
	}
}

// Init загружает текущее состояние отзывов при старте сервиса и при каждом
// переподключении листенера. Redis-set авторитетен и заменяет L1 целиком,
// поэтому стартовые отзывы, не дошедшие до Redis в Warmup, дописываются сюда первыми.
func (m *RevocationManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	if err := m.flushPending(ctx); err != nil {
		return err
	}
	issuers, err := m.rdb.SMembers(ctx, infra.RedisKeyRevokedIssuers).Result()
	if err != nil {
		return fmt.Errorf("load revoked issuers: %w", err)
	}

	m.mu.Lock()
	m.revoked = make(map[string]struct{}, len(issuers))
	for _, id := range issuers {
		m.revoked[id] = struct{}{}
	}
	n := len(m.revoked)
	m.mu.Unlock()

	m.metrics.RevokedIssuers.Set(float64(n))
	m.logger.Info("revocation state loaded", zap.Int("revoked", n))
	return nil
}

// Warmup заливает стартовый список (из конфига) в L1 и в Redis-set.
// SAdd идемпотентен: каждый инстанс дописывает свои отзывы независимо от
// того, что уже лежит в Redis.
func (m *RevocationManager) Warmup(ctx context.Context, seed []string) error {
	if len(seed) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, id := range seed {
		m.revoked[id] = struct{}{}
	}
	if m.rdb != nil {
		m.pending = append(m.pending, seed...)
	}
	n := len(m.revoked)
	m.mu.Unlock()
	m.metrics.RevokedIssuers.Set(float64(n))

	if m.rdb == nil {
		return nil
	}
	m.logger.Info("revocation warm-up from config", zap.Int("count", len(seed)))
	return m.flushPending(ctx)
}

// flushPending пишет стартовые отзывы в Redis. При ошибке они остаются в
// pending и будут дописаны следующим Init.
func (m *RevocationManager) flushPending(ctx context.Context) error {
	m.mu.RLock()
	pending := append([]string(nil), m.pending...)
	m.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	members := make([]interface{}, len(pending))
	for i, id := range pending {
		members[i] = id
	}
	if err := m.rdb.SAdd(ctx, infra.RedisKeyRevokedIssuers, members...).Err(); err != nil {
		return fmt.Errorf("seed revoked issuers: %w", err)
	}

	m.mu.Lock()
	if len(m.pending) >= len(pending) {
		m.pending = m.pending[len(pending):]
	} else {
		m.pending = nil
	}
	m.mu.Unlock()
	return nil
}

// StartListener держит подписку на сигналы отзыва до отмены ctx.
func (m *RevocationManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	m.logger.Info("revocation listener started", zap.String("chan", infra.RedisChanRevocation))
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanRevocation,
		func() error { return m.Init(ctx) },
		m.apply,
	)
	m.logger.Info("revocation listener stopped")
}

// Revoke отзывает издателя во всем кластере.
func (m *RevocationManager) Revoke(ctx context.Context, issuer string) error {
	return m.set(ctx, issuer, true)
}

func (m *RevocationManager) Restore(ctx context.Context, issuer string) error {
	return m.set(ctx, issuer, false)
}

func (m *RevocationManager) set(ctx context.Context, issuer string, revoked bool) error {
	if issuer == "" {
		return fmt.Errorf("issuer id is empty")
	}
	if m.rdb != nil {
		signal := issuer + ":off"
		var err error
		if revoked {
			signal = issuer + ":on"
			err = m.rdb.SAdd(ctx, infra.RedisKeyRevokedIssuers, issuer).Err()
		} else {
			err = m.rdb.SRem(ctx, infra.RedisKeyRevokedIssuers, issuer).Err()
		}
		if err != nil {
			return fmt.Errorf("update revoked set: %w", err)
		}
		if err := m.rdb.Publish(ctx, infra.RedisChanRevocation, signal).Err(); err != nil {
			// Set уже обновлен: остальные инстансы подтянут его при переподключении
			m.logger.Error("failed to publish revocation signal", zap.String("issuer", issuer), zap.Error(err))
		}
	}
	m.apply(issuer, revoked)
	return nil
}

func (m *RevocationManager) apply(issuer string, revoked bool) {
	m.mu.Lock()
	if revoked {
		m.revoked[issuer] = struct{}{}
	} else {
		delete(m.revoked, issuer)
	}
	n := len(m.revoked)
	m.mu.Unlock()

	m.metrics.RevokedIssuers.Set(float64(n))
	m.logger.Info("issuer revocation changed", zap.String("issuer", issuer), zap.Bool("revoked", revoked))
}

func (m *RevocationManager) IsRevoked(issuer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[issuer]
	return ok
}

// Verify отклоняет цепочку, если любое ее звено отозвано.
func (m *RevocationManager) Verify(chain []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, link := range chain {
		if _, ok := m.revoked[link]; ok {
			return fmt.Errorf("%w: %s", delegation.ErrRevoked, link)
		}
	}
	return nil
}
