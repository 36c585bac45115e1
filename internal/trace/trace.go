// Package trace описывает неизменяемые записи решений гейта (DecisionTrace),
// выводимые из них записи ответственности (LiabilityRecord) и журнал только-на-добавление.
package trace

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/xela07ax/able/internal/authority"
)

// ID — порядковый номер трейса. Уникален и монотонен в пределах процесса.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Sequencer выдает ID трейсов без коллизий при любом числе конкурентных вызовов.
// Номера могут идти с пропусками: ID, выданный проигравшему гонку, не переиспользуется.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer продолжает нумерацию после last (например, MAX(seq) из хранилища).
func NewSequencer(last ID) *Sequencer {
	s := &Sequencer{}
	s.last.Store(uint64(last))
	return s
}

func (s *Sequencer) Next() ID {
	return ID(s.last.Add(1))
}

type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"    // исполнитель вернул ошибку (ExecutorFailure)
	StatusCancelled Status = "CANCELLED" // контекст отменен или истек во время исполнения
)

// Action — дескриптор действия. Для ядра непрозрачен, кроме требуемого scope.
type Action struct {
	Name    string          `json:"name"`
	Scope   authority.Scope `json:"scope"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Clone копирует payload, чтобы вызывающий не мог изменить записанное действие.
func (a Action) Clone() Action {
	if a.Payload != nil {
		a.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return a
}

// Outcome фиксируется всегда, в том числе при отказе исполнителя.
type Outcome struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (o Outcome) clone() Outcome {
	if o.Result != nil {
		o.Result = append(json.RawMessage(nil), o.Result...)
	}
	return o
}

// Snapshot — поля AU на момент потребления, захваченные по значению.
type Snapshot struct {
	Scope           authority.Scope `json:"scope"`
	DelegationChain []string        `json:"delegation_chain"`
	Price           int64           `json:"price"`
}

func SnapshotOf(au authority.AuthorityUnit) Snapshot {
	chain := make([]string, len(au.DelegationChain))
	copy(chain, au.DelegationChain)
	return Snapshot{Scope: au.Scope, DelegationChain: chain, Price: au.Price}
}

type DecisionTrace struct {
	ID            ID        `json:"id"`
	AuthorityID   string    `json:"authority_id"`
	Authority     Snapshot  `json:"authority"`
	Action        Action    `json:"action"`
	Outcome       Outcome   `json:"outcome"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"duration_ms"`
}

// Clone возвращает копию без общих слайсов с оригиналом.
func (t DecisionTrace) Clone() DecisionTrace {
	t.Authority.DelegationChain = append([]string(nil), t.Authority.DelegationChain...)
	t.Action = t.Action.Clone()
	t.Outcome = t.Outcome.clone()
	return t
}

// Entry — единица журнала. Трейс и его запись ответственности добавляются вместе,
// поэтому запись без трейса (и наоборот) невозможна.
type Entry struct {
	Trace     DecisionTrace   `json:"trace"`
	Liability LiabilityRecord `json:"liability"`
}

func (e Entry) clone() Entry {
	e.Trace = e.Trace.Clone()
	e.Liability = e.Liability.Clone()
	return e
}

// NewEntry собирает запись журнала, выводя LiabilityRecord из трейса.
func NewEntry(t DecisionTrace) Entry {
	return Entry{Trace: t, Liability: Derive(t)}
}
