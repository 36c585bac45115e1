// Package sqlite — хранилище AU и журнала решений для single-node развертываний.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/trace"
)

// Время хранится в микросекундах: этого хватает, чтобы Digest AU совпал после перезагрузки.
func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Store реализует authority.Store и audit.Storage поверх одного файла SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open открывает (и при необходимости создает) базу по пути path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB}
	if err := s.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS authority_units (
	id               TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	delegation_chain TEXT NOT NULL,
	price            INTEGER NOT NULL CHECK (price >= 0),
	issued_at        INTEGER NOT NULL,
	expires_at       INTEGER,
	consumed_by      INTEGER UNIQUE
);

CREATE TABLE IF NOT EXISTS decision_traces (
	seq            INTEGER PRIMARY KEY,
	authority_id   TEXT NOT NULL UNIQUE,
	authority      TEXT NOT NULL,
	action         TEXT NOT NULL,
	status         TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS liability_records (
	trace_seq    INTEGER PRIMARY KEY REFERENCES decision_traces (seq),
	authority_id TEXT NOT NULL UNIQUE,
	parties      TEXT NOT NULL,
	price        INTEGER NOT NULL,
	digest       TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS decision_traces_no_update BEFORE UPDATE ON decision_traces
BEGIN SELECT RAISE(ABORT, 'append-only table decision_traces'); END;
CREATE TRIGGER IF NOT EXISTS decision_traces_no_delete BEFORE DELETE ON decision_traces
BEGIN SELECT RAISE(ABORT, 'append-only table decision_traces'); END;
CREATE TRIGGER IF NOT EXISTS liability_records_no_update BEFORE UPDATE ON liability_records
BEGIN SELECT RAISE(ABORT, 'append-only table liability_records'); END;
CREATE TRIGGER IF NOT EXISTS liability_records_no_delete BEFORE DELETE ON liability_records
BEGIN SELECT RAISE(ABORT, 'append-only table liability_records'); END;
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.sqlDB.ExecContext(ctx, schema)
	return err
}

// --- authority.Store ---

func (s *Store) Insert(ctx context.Context, au authority.AuthorityUnit) error {
	chain, err := json.Marshal(au.DelegationChain)
	if err != nil {
		return fmt.Errorf("sqlite: encode chain: %w", err)
	}
	var expires sql.NullInt64
	if !au.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: toMicros(au.ExpiresAt), Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO authority_units (id, scope, delegation_chain, price, issued_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		au.ID, string(au.Scope), string(chain), au.Price, toMicros(au.IssuedAt), expires,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert authority unit: %w", err)
	}
	return nil
}

func (s *Store) MarkConsumed(ctx context.Context, id string, traceID uint64) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE authority_units SET consumed_by = ? WHERE id = ? AND consumed_by IS NULL`,
		int64(traceID), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark consumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark consumed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", authority.ErrAlreadyConsumed, id)
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]authority.AuthorityUnit, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, scope, delegation_chain, price, issued_at, expires_at, consumed_by FROM authority_units ORDER BY issued_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query authority units: %w", err)
	}
	defer rows.Close()

	units := make([]authority.AuthorityUnit, 0)
	for rows.Next() {
		var (
			au                  authority.AuthorityUnit
			scope, chain        string
			issued              int64
			expires, consumedBy sql.NullInt64
		)
		if err := rows.Scan(&au.ID, &scope, &chain, &au.Price, &issued, &expires, &consumedBy); err != nil {
			return nil, fmt.Errorf("sqlite: scan authority unit: %w", err)
		}
		if err := json.Unmarshal([]byte(chain), &au.DelegationChain); err != nil {
			return nil, fmt.Errorf("sqlite: decode chain of %s: %w", au.ID, err)
		}
		au.Scope = authority.Scope(scope)
		au.IssuedAt = fromMicros(issued)
		if expires.Valid {
			au.ExpiresAt = fromMicros(expires.Int64)
		}
		au.State = authority.StateUnconsumed
		if consumedBy.Valid {
			au.State = authority.StateConsumed
			au.ConsumedBy = uint64(consumedBy.Int64)
		}
		units = append(units, au)
	}
	return units, rows.Err()
}

// --- audit.Storage и чтение журнала ---

func (s *Store) WriteBatch(ctx context.Context, entries []trace.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	traceStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO decision_traces (seq, authority_id, authority, action, status, outcome, correlation_id, created_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare trace insert: %w", err)
	}
	defer traceStmt.Close()

	liabStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO liability_records (trace_seq, authority_id, parties, price, digest) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare liability insert: %w", err)
	}
	defer liabStmt.Close()

	for _, e := range entries {
		t, l := e.Trace, e.Liability
		snap, err := json.Marshal(t.Authority)
		if err != nil {
			return fmt.Errorf("sqlite: encode trace %s: %w", t.ID, err)
		}
		action, err := json.Marshal(t.Action)
		if err != nil {
			return fmt.Errorf("sqlite: encode trace %s: %w", t.ID, err)
		}
		outcome, err := json.Marshal(t.Outcome)
		if err != nil {
			return fmt.Errorf("sqlite: encode trace %s: %w", t.ID, err)
		}
		parties, err := json.Marshal(l.Parties)
		if err != nil {
			return fmt.Errorf("sqlite: encode liability %s: %w", l.TraceID, err)
		}

		if _, err := traceStmt.ExecContext(ctx, int64(t.ID), t.AuthorityID, string(snap), string(action),
			string(t.Outcome.Status), string(outcome), t.CorrelationID, toMicros(t.Timestamp), t.DurationMs); err != nil {
			return fmt.Errorf("sqlite: insert trace %s: %w", t.ID, err)
		}
		if _, err := liabStmt.ExecContext(ctx, int64(l.TraceID), l.AuthorityID, string(parties), l.Price, l.Digest); err != nil {
			return fmt.Errorf("sqlite: insert liability %s: %w", l.TraceID, err)
		}
	}
	return tx.Commit()
}

// From читает до limit записей с seq >= from. limit <= 0 снимает ограничение.
func (s *Store) From(ctx context.Context, from trace.ID, limit int) ([]trace.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT t.seq, t.authority_id, t.authority, t.action, t.outcome, t.correlation_id, t.created_at, t.duration_ms,
		        l.parties, l.price, l.digest
		 FROM decision_traces t JOIN liability_records l ON l.trace_seq = t.seq
		 WHERE t.seq >= ? ORDER BY t.seq LIMIT ?`,
		int64(from), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query traces: %w", err)
	}
	defer rows.Close()

	entries := make([]trace.Entry, 0)
	for rows.Next() {
		var (
			e                          trace.Entry
			seq, created               int64
			snap, action, outcome, pty string
		)
		if err := rows.Scan(&seq, &e.Trace.AuthorityID, &snap, &action, &outcome, &e.Trace.CorrelationID,
			&created, &e.Trace.DurationMs, &pty, &e.Liability.Price, &e.Liability.Digest); err != nil {
			return nil, fmt.Errorf("sqlite: scan trace: %w", err)
		}
		e.Trace.ID = trace.ID(seq)
		e.Trace.Timestamp = fromMicros(created)
		if err := json.Unmarshal([]byte(snap), &e.Trace.Authority); err != nil {
			return nil, fmt.Errorf("sqlite: decode trace %d: %w", seq, err)
		}
		if err := json.Unmarshal([]byte(action), &e.Trace.Action); err != nil {
			return nil, fmt.Errorf("sqlite: decode trace %d: %w", seq, err)
		}
		if err := json.Unmarshal([]byte(outcome), &e.Trace.Outcome); err != nil {
			return nil, fmt.Errorf("sqlite: decode trace %d: %w", seq, err)
		}
		if err := json.Unmarshal([]byte(pty), &e.Liability.Parties); err != nil {
			return nil, fmt.Errorf("sqlite: decode liability %d: %w", seq, err)
		}
		e.Liability.TraceID = e.Trace.ID
		e.Liability.AuthorityID = e.Trace.AuthorityID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) LastID(ctx context.Context) (trace.ID, error) {
	var last int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM decision_traces`).Scan(&last); err != nil {
		return 0, fmt.Errorf("sqlite: read last trace id: %w", err)
	}
	return trace.ID(last), nil
}
