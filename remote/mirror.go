/*
Package remote pushes committed ledger state to a remote copy.

PURPOSE:
  The remote copy is advisory. It is written after commit, never read
  back, never reconciled. Losing a push is tolerated; the periodic full
  sync (scheduler.go) repairs the gap on its next run.

PostgresMirror:
  Stores each entity as a JSONB document keyed by (entity_type, entity_key).
  Pushing the same entity again overwrites the document.

  mirror, err := remote.OpenPostgresMirror(ctx, dsn, "ledger_mirror", logger)
  svc := ledger.NewService(store, ledger.WithSyncer(mirror))
*/
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/wusul/settlement-engine/ledger"
)

const (
	DefaultMirrorTable = "ledger_mirror"

	openAttempts = 5
	openBackoff  = 2 * time.Second
)

type PostgresMirror struct {
	db     *sql.DB
	table  string // already quoted
	logger *slog.Logger
}

// OpenPostgresMirror connects to dsn, retrying while the database starts,
// and creates the mirror table if needed.
func OpenPostgresMirror(ctx context.Context, dsn, table string, logger *slog.Logger) (*PostgresMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mirror")

	var db *sql.DB
	var err error
	for i := 0; i < openAttempts; i++ {
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				break
			}
			db.Close()
		}
		logger.Info("waiting for mirror database", "attempt", i+1, "of", openAttempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not reach mirror database after %d attempts: %w", openAttempts, err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	m, err := NewPostgresMirror(db, table, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := m.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("mirror database ready", "table", table)
	return m, nil
}

// NewPostgresMirror wraps an open database. table defaults to DefaultMirrorTable.
func NewPostgresMirror(db *sql.DB, table string, logger *slog.Logger) (*PostgresMirror, error) {
	if db == nil {
		return nil, errors.New("mirror: nil database")
	}
	if table == "" {
		table = DefaultMirrorTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresMirror{db: db, table: pq.QuoteIdentifier(table), logger: logger}, nil
}

// Migrate creates the mirror table idempotently.
func (m *PostgresMirror) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + m.table + ` (
			entity_type VARCHAR(32)  NOT NULL,
			entity_key  VARCHAR(255) NOT NULL,
			payload     JSONB        NOT NULL,
			pushed_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (entity_type, entity_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(unquote(m.table)+"_pushed_at") +
			` ON ` + m.table + ` (pushed_at)`,
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("mirror migration failed: %w", err)
		}
	}
	return nil
}

// Push upserts the entity document.
func (m *PostgresMirror) Push(ctx context.Context, e ledger.Entity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mirror encode %s/%s: %w", e.EntityType(), e.EntityKey(), err)
	}

	_, err = m.db.ExecContext(ctx, m.upsertQuery(), string(e.EntityType()), e.EntityKey(), string(payload))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("mirror push %s/%s: %s: %w", e.EntityType(), e.EntityKey(), pqErr.Code.Name(), err)
		}
		return fmt.Errorf("mirror push %s/%s: %w", e.EntityType(), e.EntityKey(), err)
	}
	return nil
}

func (m *PostgresMirror) upsertQuery() string {
	return `INSERT INTO ` + m.table + ` (entity_type, entity_key, payload, pushed_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (entity_type, entity_key)
		DO UPDATE SET payload = EXCLUDED.payload, pushed_at = EXCLUDED.pushed_at`
}

func (m *PostgresMirror) Close() error {
	return m.db.Close()
}

// unquote strips the quotes added by pq.QuoteIdentifier.
func unquote(quoted string) string {
	if len(quoted) >= 2 && quoted[0] == '"' && quoted[len(quoted)-1] == '"' {
		return quoted[1 : len(quoted)-1]
	}
	return quoted
}
