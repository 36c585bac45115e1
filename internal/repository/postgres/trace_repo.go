package postgres

/*
Файл trace_repo.go — хранилище журнала решений. Пишется только пачками из audit.Journal;
трейс и его запись ответственности уходят в одной транзакции.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/able/internal/trace"
)

type TraceRepo struct {
	db *sql.DB
}

func NewTraceRepo(db *sql.DB) *TraceRepo {
	return &TraceRepo{db: db}
}

func (r *TraceRepo) WriteBatch(ctx context.Context, entries []trace.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	traceQuery, traceArgs, err := buildTraceInsert(entries)
	if err != nil {
		return err
	}
	liabQuery, liabArgs, err := buildLiabilityInsert(entries)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, traceQuery, traceArgs...); err != nil {
		return fmt.Errorf("postgres: insert traces: %w", err)
	}
	if _, err := tx.ExecContext(ctx, liabQuery, liabArgs...); err != nil {
		return fmt.Errorf("postgres: insert liability records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// placeholders строит "($1, $2), ($3, $4)" для пакетной вставки.
func placeholders(rows, cols int) string {
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+j+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func buildTraceInsert(entries []trace.Entry) (string, []interface{}, error) {
	const numFields = 9
	vals := make([]interface{}, 0, len(entries)*numFields)
	for _, e := range entries {
		t := e.Trace
		snap, err := json.Marshal(t.Authority)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode snapshot of trace %s: %w", t.ID, err)
		}
		action, err := json.Marshal(t.Action)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode action of trace %s: %w", t.ID, err)
		}
		outcome, err := json.Marshal(t.Outcome)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode outcome of trace %s: %w", t.ID, err)
		}
		vals = append(vals,
			int64(t.ID), t.AuthorityID, snap, action, string(t.Outcome.Status), outcome,
			t.CorrelationID, t.Timestamp, t.DurationMs,
		)
	}
	query := "INSERT INTO decision_traces (seq, authority_id, authority, action, status, outcome, correlation_id, created_at, duration_ms) VALUES " +
		placeholders(len(entries), numFields)
	return query, vals, nil
}

func buildLiabilityInsert(entries []trace.Entry) (string, []interface{}, error) {
	const numFields = 5
	vals := make([]interface{}, 0, len(entries)*numFields)
	for _, e := range entries {
		l := e.Liability
		parties, err := json.Marshal(l.Parties)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode parties of trace %s: %w", l.TraceID, err)
		}
		vals = append(vals, int64(l.TraceID), l.AuthorityID, parties, l.Price, l.Digest)
	}
	query := "INSERT INTO liability_records (trace_seq, authority_id, parties, price, digest) VALUES " +
		placeholders(len(entries), numFields)
	return query, vals, nil
}

// From читает до limit записей с seq >= from. limit <= 0 снимает ограничение.
func (r *TraceRepo) From(ctx context.Context, from trace.ID, limit int) ([]trace.Entry, error) {
	query := `SELECT t.seq, t.authority_id, t.authority, t.action, t.outcome, t.correlation_id, t.created_at, t.duration_ms,
	                 l.parties, l.price, l.digest
	          FROM decision_traces t JOIN liability_records l ON l.trace_seq = t.seq
	          WHERE t.seq >= $1 ORDER BY t.seq`
	args := []interface{}{int64(from)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query traces: %w", err)
	}
	defer rows.Close()

	results := make([]trace.Entry, 0)
	for rows.Next() {
		var (
			e                          trace.Entry
			seq                        int64
			snap, action, outcome, pty []byte
		)
		err := rows.Scan(&seq, &e.Trace.AuthorityID, &snap, &action, &outcome, &e.Trace.CorrelationID,
			&e.Trace.Timestamp, &e.Trace.DurationMs, &pty, &e.Liability.Price, &e.Liability.Digest)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan trace: %w", err)
		}
		e.Trace.ID = trace.ID(seq)
		e.Trace.Timestamp = e.Trace.Timestamp.UTC()
		for _, col := range []struct {
			raw []byte
			dst interface{}
		}{
			{snap, &e.Trace.Authority},
			{action, &e.Trace.Action},
			{outcome, &e.Trace.Outcome},
			{pty, &e.Liability.Parties},
		} {
			if err := json.Unmarshal(col.raw, col.dst); err != nil {
				return nil, fmt.Errorf("postgres: decode trace %d: %w", seq, err)
			}
		}
		e.Liability.TraceID = e.Trace.ID
		e.Liability.AuthorityID = e.Trace.AuthorityID
		results = append(results, e)
	}
	return results, rows.Err()
}

// LastID отдает наибольший записанный seq, чтобы продолжить нумерацию после рестарта.
func (r *TraceRepo) LastID(ctx context.Context) (trace.ID, error) {
	var last int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM decision_traces`).Scan(&last); err != nil {
		return 0, fmt.Errorf("postgres: failed to read last trace id: %w", err)
	}
	return trace.ID(last), nil
}
