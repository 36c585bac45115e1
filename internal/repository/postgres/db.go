package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// OpenDB открывает пул database/sql поверх pgx. Доступность проверяется Ping в main.
func OpenDB(connString string, maxConns, minConns int32) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetMaxIdleConns(int(max(minConns, 1)))
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Migrate создает таблицы, если их еще нет.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Записи журнала только добавляются: UPDATE и DELETE запрещены триггером.
const schema = `
CREATE TABLE IF NOT EXISTS authority_units (
	id               TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	delegation_chain JSONB NOT NULL,
	price            BIGINT NOT NULL CHECK (price >= 0),
	issued_at        TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ,
	consumed_by      BIGINT UNIQUE,
	consumed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS decision_traces (
	seq            BIGINT PRIMARY KEY,
	authority_id   TEXT NOT NULL UNIQUE,
	authority      JSONB NOT NULL,
	action         JSONB NOT NULL,
	status         TEXT NOT NULL,
	outcome        JSONB NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS liability_records (
	trace_seq    BIGINT PRIMARY KEY REFERENCES decision_traces (seq),
	authority_id TEXT NOT NULL UNIQUE,
	parties      JSONB NOT NULL,
	price        BIGINT NOT NULL,
	digest       TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION able_forbid_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'append-only table %', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS decision_traces_append_only ON decision_traces;
CREATE TRIGGER decision_traces_append_only BEFORE UPDATE OR DELETE ON decision_traces
	FOR EACH ROW EXECUTE FUNCTION able_forbid_mutation();

DROP TRIGGER IF EXISTS liability_records_append_only ON liability_records;
CREATE TRIGGER liability_records_append_only BEFORE UPDATE OR DELETE ON liability_records
	FOR EACH ROW EXECUTE FUNCTION able_forbid_mutation();
`
