// Package delegation содержит реализации authority.ChainVerifier.
// Каждое звено проверяется независимо; композиция — через All.
package delegation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/able/internal/authority"
)

var (
	ErrEmptyChain    = errors.New("delegation chain is empty")
	ErrBlankLink     = errors.New("delegation link is blank")
	ErrCycle         = errors.New("delegation chain revisits an issuer")
	ErrChainTooLong  = errors.New("delegation chain is too long")
	ErrUntrustedRoot = errors.New("delegation root is not trusted")
	ErrRevoked       = errors.New("delegation issuer is revoked")
)

// Structural проверяет форму цепочки: непустая, без пустых звеньев и повторов.
// MaxDepth = 0 снимает ограничение на длину.
type Structural struct {
	MaxDepth int
}

func (s Structural) Verify(chain []string) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	if s.MaxDepth > 0 && len(chain) > s.MaxDepth {
		return fmt.Errorf("%w: %d links, max %d", ErrChainTooLong, len(chain), s.MaxDepth)
	}
	seen := make(map[string]struct{}, len(chain))
	for i, link := range chain {
		if strings.TrimSpace(link) == "" {
			return fmt.Errorf("%w: position %d", ErrBlankLink, i)
		}
		if _, dup := seen[link]; dup {
			return fmt.Errorf("%w: %s", ErrCycle, link)
		}
		seen[link] = struct{}{}
	}
	return nil
}

// TrustedRoots требует, чтобы цепочка начиналась с известного корневого эмитента.
// Пустой набор доверяет любому корню.
type TrustedRoots map[string]struct{}

func NewTrustedRoots(roots ...string) TrustedRoots {
	t := make(TrustedRoots, len(roots))
	for _, r := range roots {
		if r = strings.TrimSpace(r); r != "" {
			t[r] = struct{}{}
		}
	}
	return t
}

func (t TrustedRoots) Verify(chain []string) error {
	if len(t) == 0 {
		return nil
	}
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	if _, ok := t[chain[0]]; !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedRoot, chain[0])
	}
	return nil
}

type all []authority.ChainVerifier

// All применяет верификаторы по порядку и возвращает первую ошибку.
func All(verifiers ...authority.ChainVerifier) authority.ChainVerifier {
	out := make(all, 0, len(verifiers))
	for _, v := range verifiers {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (a all) Verify(chain []string) error {
	for _, v := range a {
		if err := v.Verify(chain); err != nil {
			return err
		}
	}
	return nil
}
