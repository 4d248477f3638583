package referral

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/viralloop/internal/storage"
)

// PostgresStore persists codes and referrals in PostgreSQL. The
// (referrer_id, referred_id) unique constraint enforces one referral per
// pair; status changes run under a row lock.
type PostgresStore struct {
	db    *sql.DB
	guard *storage.Guard
}

// NewPostgresStore creates a PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db: db,
		guard: storage.NewGuard("referrals", timeout,
			ErrNotFound, ErrCodeNotFound, ErrCodeExists, ErrDuplicate, ErrInvalidTransition, ErrSelfReferral),
	}
}

var _ Store = (*PostgresStore)(nil)

const referralColumns = `id, referrer_id, referred_id, code, content_id, platform, status,
	fraud_score, fraud_reasons, ip_address, user_agent, payment_id, reward_months,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReferral(row rowScanner) (*Referral, error) {
	r := &Referral{}
	var status string
	var reasons []byte
	err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Code, &r.ContentID, &r.Platform, &status,
		&r.FraudScore, &reasons, &r.IPAddress, &r.UserAgent, &r.PaymentID, &r.RewardMonths,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if err := json.Unmarshal(reasons, &r.FraudReasons); err != nil {
		return nil, err
	}
	return r, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func (s *PostgresStore) CreateCode(ctx context.Context, c *Code) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return storage.Run(ctx, s.guard, "referral.create_code", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO referral_codes (code, user_id, created_at) VALUES ($1, $2, $3)`,
			c.Code, c.UserID, created)
		if storage.IsUniqueViolation(err) {
			return ErrCodeExists
		}
		return err
	})
}

func (s *PostgresStore) GetCode(ctx context.Context, code string) (*Code, error) {
	c := &Code{}
	err := storage.Run(ctx, s.guard, "referral.get_code", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			`SELECT code, user_id, created_at FROM referral_codes WHERE code = $1`, code,
		).Scan(&c.Code, &c.UserID, &c.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Referral) error {
	reasons, err := json.Marshal(nonNil(r.FraudReasons))
	if err != nil {
		return err
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return storage.Run(ctx, s.guard, "referral.create", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO referrals (id, referrer_id, referred_id, code, content_id, platform, status,
				fraud_score, fraud_reasons, ip_address, user_agent, payment_id, reward_months,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::JSONB, $10, $11, $12, $13, $14, $14)
			ON CONFLICT (referrer_id, referred_id) DO NOTHING
		`, r.ID, r.ReferrerID, r.ReferredID, r.Code, r.ContentID, r.Platform, string(r.Status),
			r.FraudScore, string(reasons), r.IPAddress, r.UserAgent, r.PaymentID, r.RewardMonths, created)
		if isForeignKeyViolation(err) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicate
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Referral, error) {
	var r *Referral
	err := storage.Run(ctx, s.guard, "referral.get", func(ctx context.Context) error {
		var err error
		r, err = scanReferral(s.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
		return err
	})
	return r, err
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(r *Referral) error) (*Referral, error) {
	var out *Referral
	err := storage.Run(ctx, s.guard, "referral.update", func(ctx context.Context) error {
		return storage.WithTx(ctx, s.db, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			cur, err := scanReferral(tx.QueryRowContext(ctx,
				`SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				return err
			}
			if err := fn(cur); err != nil {
				return err
			}
			reasons, err := json.Marshal(nonNil(cur.FraudReasons))
			if err != nil {
				return err
			}
			err = tx.QueryRowContext(ctx, `
				UPDATE referrals
				SET status = $2, fraud_score = $3, fraud_reasons = $4::JSONB,
					payment_id = $5, reward_months = $6, updated_at = NOW()
				WHERE id = $1
				RETURNING updated_at
			`, id, string(cur.Status), cur.FraudScore, string(reasons), cur.PaymentID, cur.RewardMonths,
			).Scan(&cur.UpdatedAt)
			if err != nil {
				return err
			}
			out = cur
			return nil
		})
	})
	return out, err
}

func (s *PostgresStore) Exists(ctx context.Context, referrerID, referredID string) (bool, error) {
	var exists bool
	err := storage.Run(ctx, s.guard, "referral.exists", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM referrals WHERE referrer_id = $1 AND referred_id = $2)`,
			referrerID, referredID,
		).Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) ReferrersOf(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := storage.Run(ctx, s.guard, "referral.referrers_of", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT referrer_id FROM referrals WHERE referred_id = $1 ORDER BY referrer_id`, userID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) CountByReferrer(ctx context.Context, referrerID string, since time.Time) (int64, error) {
	return s.scalar(ctx, "referral.count_by_referrer",
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND created_at >= $2`,
		referrerID, since)
}

func (s *PostgresStore) CountByReferrerIP(ctx context.Context, referrerID, ip string, since time.Time) (int64, error) {
	return s.scalar(ctx, "referral.count_by_referrer_ip",
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND ip_address = $2 AND created_at >= $3`,
		referrerID, ip, since)
}

func (s *PostgresStore) scalar(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := storage.Run(ctx, s.guard, op, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
