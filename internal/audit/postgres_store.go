package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/viralloop/internal/storage"
)

// PostgresStore persists the ledger in the audit_log table. The table
// carries a trigger that rejects UPDATE and DELETE.
type PostgresStore struct {
	db    *sql.DB
	guard *storage.Guard
}

// NewPostgresStore creates a PostgreSQL-backed ledger. Each call is bounded
// by timeout and guarded by a circuit breaker.
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:    db,
		guard: storage.NewGuard("audit_log", timeout, ErrDuplicateKey, ErrInvalidEntry),
	}
}

var _ Store = (*PostgresStore)(nil)

const entryColumns = `id, content_id, user_id, metric, delta, status, source, fraud_score,
	COALESCE(idempotency_key, ''), ip_address, user_agent, created_at`

// Append relies on the unique index over idempotency_key: ON CONFLICT DO
// NOTHING makes check-then-insert one statement, so concurrent retries of
// the same webhook cannot both land.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	return storage.Run(ctx, s.guard, "audit.append", func(ctx context.Context) error {
		return insertEntry(ctx, s.db, e)
	})
}

// AppendTx inserts e inside tx with the same duplicate handling as Append.
// Callers use it to commit an entry together with writes to other tables.
func AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	return insertEntry(ctx, tx, e)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEntry(ctx context.Context, q queryRower, e *Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_log (id, content_id, user_id, metric, delta, status, source,
			fraud_score, idempotency_key, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, e.ID, e.ContentID, e.UserID, string(e.Metric), e.Delta, string(e.Status), e.Source,
		e.FraudScore, e.IdempotencyKey, e.IPAddress, e.UserAgent, created).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateKey
	}
	return err
}

func (s *PostgresStore) HasKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := storage.Run(ctx, s.guard, "audit.has_key", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit_log WHERE idempotency_key = $1)`, key,
		).Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) SumDeltas(ctx context.Context, contentID string, metric Metric, since time.Time) (int64, error) {
	return s.scalar(ctx, "audit.sum_deltas", `
		SELECT COALESCE(SUM(delta), 0) FROM audit_log
		WHERE content_id = $1 AND metric = $2 AND created_at >= $3
	`, contentID, string(metric), since)
}

func (s *PostgresStore) CountEntries(ctx context.Context, contentID string, since time.Time) (int64, error) {
	return s.scalar(ctx, "audit.count_entries", `
		SELECT COUNT(*) FROM audit_log WHERE content_id = $1 AND created_at >= $2
	`, contentID, since)
}

func (s *PostgresStore) CountByIP(ctx context.Context, ip string, metric Metric, since time.Time) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	return s.scalar(ctx, "audit.count_by_ip", `
		SELECT COUNT(*) FROM audit_log WHERE ip_address = $1 AND metric = $2 AND created_at >= $3
	`, ip, string(metric), since)
}

func (s *PostgresStore) CountByUser(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.scalar(ctx, "audit.count_by_user", `
		SELECT COUNT(*) FROM audit_log WHERE user_id = $1 AND created_at >= $2
	`, userID, since)
}

func (s *PostgresStore) scalar(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := storage.Run(ctx, s.guard, op, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

func (s *PostgresStore) ListEntries(ctx context.Context, contentID string) ([]*Entry, error) {
	return s.list(ctx, "audit.list_entries", `
		SELECT `+entryColumns+` FROM audit_log
		WHERE content_id = $1
		ORDER BY created_at ASC, id ASC
	`, contentID)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, "audit.list_by_user", `
		SELECT `+entryColumns+` FROM audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*Entry, error) {
	var out []*Entry
	err := storage.Run(ctx, s.guard, op, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			e := &Entry{}
			var metric, status string
			if err := rows.Scan(&e.ID, &e.ContentID, &e.UserID, &metric, &e.Delta, &status, &e.Source,
				&e.FraudScore, &e.IdempotencyKey, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
				return err
			}
			e.Metric = Metric(metric)
			e.Status = Status(status)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ContentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := storage.Run(ctx, s.guard, "audit.content_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT content_id FROM audit_log ORDER BY content_id`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
