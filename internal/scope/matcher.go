// Package scope содержит реализации authority.ScopeMatcher.
// Ядро не знает грамматики scope: выбор матчера — вопрос конфигурации.
package scope

import (
	"fmt"
	"strings"

	"github.com/xela07ax/able/internal/authority"
)

// Any покрывает любой запрошенный scope.
const Any authority.Scope = "any"

// Exact: scope покрывает только сам себя, плюс универсальный "any".
type Exact struct{}

func (Exact) Covers(granted, requested authority.Scope) bool {
	return granted == requested || granted == Any
}

// Hierarchical сравнивает scope посегментно: "crm.lead.*" покрывает "crm.lead.create",
// "read:*" покрывает "read:file_x". "*" в конце покрывает любой непустой хвост,
// "*" в середине — ровно один сегмент.
type Hierarchical struct{}

func (Hierarchical) Covers(granted, requested authority.Scope) bool {
	if granted == Any || granted == requested {
		return true
	}
	if granted == "" || requested == "" {
		return false
	}
	g := splitSegments(string(granted))
	r := splitSegments(string(requested))

	for i, seg := range g {
		last := i == len(g)-1
		if seg == "*" && last {
			return len(r) > i
		}
		if i >= len(r) {
			return false
		}
		if seg != "*" && seg != r[i] {
			return false
		}
	}
	return len(g) == len(r)
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' || r == '/' })
}

// New возвращает матчер по имени из конфигурации.
func New(kind string) (authority.ScopeMatcher, error) {
	switch strings.ToLower(kind) {
	case "", "exact":
		return Exact{}, nil
	case "hierarchical":
		return Hierarchical{}, nil
	case "cel":
		return NewCEL()
	default:
		return nil, fmt.Errorf("scope: unknown matcher %q", kind)
	}
}
