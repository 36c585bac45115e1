package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateTrace    = errors.New("trace id already recorded")
	ErrAuthorityRetraced = errors.New("authority already bound to another trace")
	ErrLiabilityMismatch = errors.New("liability record does not belong to trace")
	ErrEntryNotFound     = errors.New("trace entry not found")
)

// Log — журнал только-на-добавление. Изменения и удаления интерфейсом не предусмотрены.
type Log interface {
	Append(ctx context.Context, e Entry) error
	// From возвращает до limit записей с ID >= from в порядке возрастания ID.
	From(ctx context.Context, from ID, limit int) ([]Entry, error)
}

// MemoryLog — авторитетный журнал процесса. Держит записи отсортированными по ID,
// хотя добавляются они в порядке завершения исполнения.
type MemoryLog struct {
	mu          sync.RWMutex
	entries     []Entry
	byID        map[ID]struct{}
	byAuthority map[string]ID
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID:        make(map[ID]struct{}),
		byAuthority: make(map[string]ID),
	}
}

func (l *MemoryLog) Append(_ context.Context, e Entry) error {
	if e.Liability.TraceID != e.Trace.ID || e.Liability.AuthorityID != e.Trace.AuthorityID {
		return fmt.Errorf("%w: trace %s", ErrLiabilityMismatch, e.Trace.ID)
	}
	e = e.clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[e.Trace.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrace, e.Trace.ID)
	}
	if prev, ok := l.byAuthority[e.Trace.AuthorityID]; ok {
		return fmt.Errorf("%w: %s already in trace %s", ErrAuthorityRetraced, e.Trace.AuthorityID, prev)
	}

	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Trace.ID > e.Trace.ID })
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e

	l.byID[e.Trace.ID] = struct{}{}
	l.byAuthority[e.Trace.AuthorityID] = e.Trace.ID
	return nil
}

func (l *MemoryLog) From(_ context.Context, from ID, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Trace.ID >= from })
	end := len(l.entries)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]Entry, 0, end-i)
	for _, e := range l.entries[i:end] {
		out = append(out, e.clone())
	}
	return out, nil
}

// ByAuthority находит единственную запись, связанную с AU.
func (l *MemoryLog) ByAuthority(authorityID string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byAuthority[authorityID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: authority %s", ErrEntryNotFound, authorityID)
	}
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Trace.ID >= id })
	return l.entries[i].clone(), nil
}

// Untraced возвращает AU из consumed (id AU -> ID трейса), для которых в журнале
// нет записи с этим ID. Такое бывает после рестарта, если пачка не долетела до диска.
func (l *MemoryLog) Untraced(consumed map[string]uint64) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for auID, traceID := range consumed {
		if id, ok := l.byAuthority[auID]; ok && uint64(id) == traceID {
			continue
		}
		out = append(out, auID)
	}
	sort.Strings(out)
	return out
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
