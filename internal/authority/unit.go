package authority

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Scope — непрозрачный предикат. Ядро умеет только сравнивать его через ScopeMatcher.
type Scope string

// ScopeMatcher решает, покрывает ли выданный scope запрошенный.
// Должен быть тотальным и детерминированным.
type ScopeMatcher interface {
	Covers(granted, requested Scope) bool
}

// ScopeValidator — необязательное расширение ScopeMatcher: матчер, у которого
// бывают синтаксически неверные scope, отклоняет их при выпуске AU.
type ScopeValidator interface {
	ValidateScope(scope Scope) error
}

// ChainVerifier проверяет цепочку делегирования от root до текущего держателя.
type ChainVerifier interface {
	Verify(chain []string) error
}

type State string

const (
	StateUnconsumed State = "UNCONSUMED"
	StateConsumed   State = "CONSUMED"
)

// AuthorityUnit — снимок единицы полномочий. Значение, а не ссылка:
// изменить состояние через него нельзя.
type AuthorityUnit struct {
	ID              string    `json:"id"`
	Scope           Scope     `json:"scope"`
	DelegationChain []string  `json:"delegation_chain"`
	Price           int64     `json:"price"` // в минимальных единицах (центы)
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`

	State      State  `json:"state"`
	ConsumedBy uint64 `json:"consumed_by,omitempty"` // ID трейса, 0 если не потреблена
}

func (a AuthorityUnit) IsConsumed() bool {
	return a.State == StateConsumed
}

// Expired: true только если срок жизни задан и истек.
func (a AuthorityUnit) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Root возвращает первого эмитента цепочки.
func (a AuthorityUnit) Root() string {
	if len(a.DelegationChain) == 0 {
		return ""
	}
	return a.DelegationChain[0]
}

// Holder возвращает текущего держателя (последнее звено).
func (a AuthorityUnit) Holder() string {
	if len(a.DelegationChain) == 0 {
		return ""
	}
	return a.DelegationChain[len(a.DelegationChain)-1]
}

// Digest — sha256 от канонического (RFC 8785) JSON неизменяемых полей.
// Состояние потребления в хеш не входит.
func (a AuthorityUnit) Digest() (string, error) {
	raw, err := json.Marshal(struct {
		ID              string   `json:"id"`
		Scope           Scope    `json:"scope"`
		DelegationChain []string `json:"delegation_chain"`
		Price           int64    `json:"price"`
		IssuedAt        int64    `json:"issued_at"`
		ExpiresAt       int64    `json:"expires_at"`
	}{
		ID:              a.ID,
		Scope:           a.Scope,
		DelegationChain: a.DelegationChain,
		Price:           a.Price,
		IssuedAt:        a.IssuedAt.UnixNano(),
		ExpiresAt:       expiresNano(a.ExpiresAt),
	})
	if err != nil {
		return "", fmt.Errorf("authority: encode digest input: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("authority: canonicalize digest input: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func expiresNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func cloneChain(chain []string) []string {
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}
