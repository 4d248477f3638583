package engagement

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/storage"
)

// Recorder commits a ledger entry and the matching instance bucket
// increment as one unit. Either both are visible afterwards or neither is,
// so a caller that retries after an error never finds the entry recorded
// without its increment.
type Recorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// MemoryRecorder pairs the in-memory ledger with any content store. The
// increment runs under the ledger lock and the entry is kept only if it
// succeeds.
type MemoryRecorder struct {
	ledger *audit.MemoryStore
	store  content.Store
}

// NewMemoryRecorder creates a recorder over an in-memory ledger.
func NewMemoryRecorder(ledger *audit.MemoryStore, store content.Store) *MemoryRecorder {
	return &MemoryRecorder{ledger: ledger, store: store}
}

func (r *MemoryRecorder) Record(ctx context.Context, e *audit.Entry) error {
	return r.ledger.AppendWith(ctx, e, func() error {
		_, err := r.store.IncrementVerified(ctx, e.ContentID, e.Metric, e.Status, e.Delta)
		return err
	})
}

// PostgresRecorder writes the audit_log row and the content_instances
// bucket in one transaction.
type PostgresRecorder struct {
	db    *sql.DB
	guard *storage.Guard
}

// NewPostgresRecorder creates a transactional recorder. Each call is bounded
// by timeout and guarded by a circuit breaker.
func NewPostgresRecorder(db *sql.DB, timeout time.Duration) *PostgresRecorder {
	return &PostgresRecorder{
		db: db,
		guard: storage.NewGuard("engagement_record", timeout,
			audit.ErrDuplicateKey, audit.ErrInvalidEntry, content.ErrInstanceNotFound),
	}
}

func (r *PostgresRecorder) Record(ctx context.Context, e *audit.Entry) error {
	return storage.Run(ctx, r.guard, "engagement.record", func(ctx context.Context) error {
		return storage.WithTx(ctx, r.db, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			if err := audit.AppendTx(ctx, tx, e); err != nil {
				return err
			}
			_, err := content.IncrementVerifiedTx(ctx, tx, e.ContentID, e.Metric, e.Status, e.Delta)
			return err
		})
	})
}
