package authority

import "errors"

// Таксономия ошибок общая для AuthorityManager и ExecutionGate.
// Гейт не вводит новых видов: только оборачивает эти.
var (
	ErrNotFound          = errors.New("authority unit not found")
	ErrAlreadyConsumed   = errors.New("authority unit already consumed")
	ErrScopeMismatch     = errors.New("authority scope does not cover requested action")
	ErrInvalidDelegation = errors.New("invalid delegation chain")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidScope      = errors.New("invalid scope")
	ErrExpired           = errors.New("authority unit expired")
)

// Kind возвращает стабильную метку ошибки для метрик и маппинга в HTTP/gRPC статусы.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrScopeMismatch):
		return "scope_mismatch"
	case errors.Is(err, ErrInvalidDelegation):
		return "invalid_delegation"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "internal"
	}
}
