package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// appendLockKey serialises appends across registry replicas. Any constant
// works as long as every replica uses the same one.
const appendLockKey = int64(0x61756469) // "audi"

const entryColumns = `idx, recorded_at, agent_id, action, actor, data_hash, prev_hash, hash`

// PostgresLog stores the chain in the audit_log table. The genesis row is
// written by the migration that creates the table.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. The tail read and the insert share one transaction
// holding an advisory lock, so concurrent appends never fork the chain.
func (l *PostgresLog) Append(ctx context.Context, agentID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, fmt.Errorf("lock audit log: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		`SELECT idx, hash FROM audit_log ORDER BY idx DESC LIMIT 1`,
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	e := &Entry{
		Index: prevIdx + 1,
		// Postgres keeps microseconds; truncate so the stored row re-hashes the same.
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		AgentID:   agentID,
		Action:    action,
		Actor:     actor,
		DataHash:  digest(raw),
		PrevHash:  prevHash,
	}
	e.Hash = hashEntry(e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.AgentID, e.Action, e.Actor, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit entry: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", e.Index),
		zap.String("agent_id", e.AgentID),
		zap.String("action", e.Action),
	)
	return e, nil
}

// History implements Log.
func (l *PostgresLog) History(ctx context.Context, agentID string) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE agent_id = $1 AND idx > 0 ORDER BY idx`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Entry])
	if err != nil {
		return nil, fmt.Errorf("scan audit history: %w", err)
	}
	return entries, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		`SELECT hash FROM audit_log ORDER BY idx DESC LIMIT 1`,
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("read audit root: %w", err)
	}
	return hash, nil
}

// Verify implements Log. It streams the table in index order; cost is linear
// in the chain length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+entryColumns+` FROM audit_log ORDER BY idx`)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := pgx.RowToAddrOfStructByName[Entry](rows)
		if err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if err := link(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if prev == nil {
		return fmt.Errorf("%w: genesis entry missing", ErrBrokenChain)
	}
	return nil
}
