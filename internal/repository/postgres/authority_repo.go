package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/able/internal/authority"
)

// AuthorityRepo — долговременное зеркало арены AU (реализует authority.Store).
type AuthorityRepo struct {
	db *sql.DB
}

func NewAuthorityRepo(db *sql.DB) *AuthorityRepo {
	return &AuthorityRepo{db: db}
}

func (r *AuthorityRepo) Insert(ctx context.Context, au authority.AuthorityUnit) error {
	chain, err := json.Marshal(au.DelegationChain)
	if err != nil {
		return fmt.Errorf("postgres: encode chain: %w", err)
	}
	var expires sql.NullTime
	if !au.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: au.ExpiresAt, Valid: true}
	}

	query := `INSERT INTO authority_units (id, scope, delegation_chain, price, issued_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(ctx, query, au.ID, string(au.Scope), chain, au.Price, au.IssuedAt, expires); err != nil {
		return fmt.Errorf("postgres: failed to insert authority unit: %w", err)
	}
	return nil
}

// MarkConsumed повторяет CAS на стороне БД: обновляется только строка с consumed_by IS NULL.
func (r *AuthorityRepo) MarkConsumed(ctx context.Context, id string, traceID uint64) error {
	query := `UPDATE authority_units SET consumed_by = $1, consumed_at = NOW()
	          WHERE id = $2 AND consumed_by IS NULL`

	result, err := r.db.ExecContext(ctx, query, int64(traceID), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark consumed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to mark consumed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", authority.ErrAlreadyConsumed, id)
	}
	return nil
}

func (r *AuthorityRepo) LoadAll(ctx context.Context) ([]authority.AuthorityUnit, error) {
	query := `SELECT id, scope, delegation_chain, price, issued_at, expires_at, consumed_by
	          FROM authority_units ORDER BY issued_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query authority units: %w", err)
	}
	defer rows.Close()

	results := make([]authority.AuthorityUnit, 0)
	for rows.Next() {
		var (
			au         authority.AuthorityUnit
			scope      string
			chain      []byte
			expires    sql.NullTime
			consumedBy sql.NullInt64
		)
		if err := rows.Scan(&au.ID, &scope, &chain, &au.Price, &au.IssuedAt, &expires, &consumedBy); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan authority unit: %w", err)
		}
		if err := json.Unmarshal(chain, &au.DelegationChain); err != nil {
			return nil, fmt.Errorf("postgres: decode chain of %s: %w", au.ID, err)
		}
		au.Scope = authority.Scope(scope)
		au.IssuedAt = au.IssuedAt.UTC()
		if expires.Valid {
			au.ExpiresAt = expires.Time.UTC()
		}
		au.State = authority.StateUnconsumed
		if consumedBy.Valid {
			au.State = authority.StateConsumed
			au.ConsumedBy = uint64(consumedBy.Int64)
		}
		results = append(results, au)
	}
	return results, rows.Err()
}

// Ping проверяет доступность базы при старте
func (r *AuthorityRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
