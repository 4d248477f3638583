package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/storage"
)

// PostgresStore persists variants and instances in PostgreSQL.
//
// Variant counters are updated with a single UPDATE whose SET clause
// computes the derived columns from the pre-update row, so the increment and
// the recompute are one statement. Instance buckets live in a JSONB column
// and are updated inside a transaction holding the row lock.
type PostgresStore struct {
	db    *sql.DB
	guard *storage.Guard
}

// NewPostgresStore creates a PostgreSQL-backed content store.
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db: db,
		guard: storage.NewGuard("content", timeout,
			ErrVariantNotFound, ErrVariantExists, ErrInstanceNotFound, ErrInstanceExists),
	}
}

var _ Store = (*PostgresStore)(nil)

const variantColumns = `id, content_type, roast_level, coach_id, layout, color_scheme,
	attempts, shares, views, signups, likes, comments, saves, clicks,
	share_rate, viral_score, confidence, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVariant(row rowScanner) (*Variant, error) {
	v := &Variant{}
	err := row.Scan(&v.ID, &v.ContentType, &v.Template.RoastLevel, &v.Template.CoachID,
		&v.Template.Layout, &v.Template.ColorScheme,
		&v.Attempts, &v.Shares, &v.Views, &v.Signups, &v.Likes, &v.Comments, &v.Saves, &v.Clicks,
		&v.ShareRate, &v.ViralScore, &v.Confidence, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	return v, err
}

func (s *PostgresStore) CreateVariant(ctx context.Context, v *Variant) error {
	cp := *v
	cp.Recompute()
	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return storage.Run(ctx, s.guard, "content.create_variant", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO variants (id, content_type, roast_level, coach_id, layout, color_scheme,
				attempts, shares, views, signups, likes, comments, saves, clicks,
				share_rate, viral_score, confidence, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
			ON CONFLICT (id) DO NOTHING
		`, cp.ID, cp.ContentType, cp.Template.RoastLevel, cp.Template.CoachID, cp.Template.Layout,
			cp.Template.ColorScheme, cp.Attempts, cp.Shares, cp.Views, cp.Signups, cp.Likes,
			cp.Comments, cp.Saves, cp.Clicks, cp.ShareRate, cp.ViralScore, cp.Confidence, created)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVariantExists
		}
		return nil
	})
}

func (s *PostgresStore) GetVariant(ctx context.Context, id string) (*Variant, error) {
	var v *Variant
	err := storage.Run(ctx, s.guard, "content.get_variant", func(ctx context.Context) error {
		var err error
		v, err = scanVariant(s.db.QueryRowContext(ctx, `SELECT `+variantColumns+` FROM variants WHERE id = $1`, id))
		return err
	})
	return v, err
}

func (s *PostgresStore) ListVariants(ctx context.Context) ([]*Variant, error) {
	var out []*Variant
	err := storage.Run(ctx, s.guard, "content.list_variants", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT `+variantColumns+` FROM variants ORDER BY id`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			v, err := scanVariant(rows)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// derivedSet recomputes share_rate, viral_score and confidence from the
// post-update counters. $1 is the variant id; $2..$9 are the deltas for
// attempts, shares, views, signups, likes, comments, saves, clicks.
const derivedSet = `
	attempts    = attempts + $2,
	shares      = shares + $3,
	views       = views + $4,
	signups     = signups + $5,
	likes       = likes + $6,
	comments    = comments + $7,
	saves       = saves + $8,
	clicks      = clicks + $9,
	share_rate  = (shares + $3)::DOUBLE PRECISION / GREATEST(attempts + $2, 1),
	viral_score = (signups + $5) * 1000.0 + (shares + $3) * 100.0 + (clicks + $9) * 50.0
	            + (saves + $8) * 30.0 + (comments + $7) * 20.0 + (likes + $6) * 10.0 + (views + $4) * 1.0,
	confidence  = CASE WHEN attempts + $2 <= 0 THEN 0
	                   ELSE LEAST(0.95, SQRT((attempts + $2) / 100.0)) END,
	updated_at  = NOW()`

func (s *PostgresStore) IncrementAttempts(ctx context.Context, id string) (*Variant, error) {
	return s.bumpVariant(ctx, "content.increment_attempts", id, 1, nil)
}

func (s *PostgresStore) ApplyPerformance(ctx context.Context, id string, deltas map[audit.Metric]int64) (*Variant, error) {
	return s.bumpVariant(ctx, "content.apply_performance", id, 0, deltas)
}

func (s *PostgresStore) bumpVariant(ctx context.Context, op, id string, attempts int64, d map[audit.Metric]int64) (*Variant, error) {
	var v *Variant
	err := storage.Run(ctx, s.guard, op, func(ctx context.Context) error {
		var err error
		v, err = scanVariant(s.db.QueryRowContext(ctx, `
			UPDATE variants SET `+derivedSet+`
			WHERE id = $1
			RETURNING `+variantColumns,
			id, attempts,
			d[audit.MetricShares], d[audit.MetricViews], d[audit.MetricSignups], d[audit.MetricLikes],
			d[audit.MetricComments], d[audit.MetricSaves], d[audit.MetricClicks]))
		return err
	})
	return v, err
}

const instanceColumns = `id, variant_id, user_id, hour, day_of_week, user_tier, streak, platform, metrics, created_at`

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var raw []byte
	err := row.Scan(&inst.ID, &inst.VariantID, &inst.UserID, &inst.Context.Hour, &inst.Context.DayOfWeek,
		&inst.Context.UserTier, &inst.Context.Streak, &inst.Context.Platform, &raw, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Metrics = make(map[audit.Metric]*MetricCounts)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &inst.Metrics); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) error {
	metrics, err := json.Marshal(inst.clone().Metrics)
	if err != nil {
		return err
	}
	created := inst.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return storage.Run(ctx, s.guard, "content.create_instance", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO content_instances (id, variant_id, user_id, hour, day_of_week, user_tier, streak, platform, metrics, created_at)
			SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::SMALLINT, $5::SMALLINT, $6::TEXT, $7::INTEGER, $8::TEXT, $9::JSONB, $10::TIMESTAMPTZ
			WHERE EXISTS (SELECT 1 FROM variants WHERE id = $2)
			ON CONFLICT (id) DO NOTHING
		`, inst.ID, inst.VariantID, inst.UserID, inst.Context.Hour, inst.Context.DayOfWeek,
			inst.Context.UserTier, inst.Context.Streak, inst.Context.Platform, string(metrics), created)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM content_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrInstanceExists
		}
		return ErrVariantNotFound
	})
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var inst *Instance
	err := storage.Run(ctx, s.guard, "content.get_instance", func(ctx context.Context) error {
		var err error
		inst, err = scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM content_instances WHERE id = $1`, id))
		return err
	})
	return inst, err
}

func (s *PostgresStore) ListInstances(ctx context.Context, variantID string, since time.Time) ([]*Instance, error) {
	var out []*Instance
	err := storage.Run(ctx, s.guard, "content.list_instances", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+instanceColumns+` FROM content_instances
			WHERE variant_id = $1 AND created_at >= $2
			ORDER BY created_at DESC
		`, variantID, since)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) IncrementVerified(ctx context.Context, instanceID string, m audit.Metric, status audit.Status, delta int64) (*Instance, error) {
	var inst *Instance
	err := storage.Run(ctx, s.guard, "content.increment_verified", func(ctx context.Context) error {
		return storage.WithTx(ctx, s.db, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			var err error
			inst, err = IncrementVerifiedTx(ctx, tx, instanceID, m, status, delta)
			return err
		})
	})
	return inst, err
}

// IncrementVerifiedTx applies one bucket increment inside tx, holding the
// instance row lock until tx ends.
func IncrementVerifiedTx(ctx context.Context, tx *sql.Tx, instanceID string, m audit.Metric, status audit.Status, delta int64) (*Instance, error) {
	cur, err := scanInstance(tx.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM content_instances WHERE id = $1 FOR UPDATE`, instanceID))
	if err != nil {
		return nil, err
	}
	cur.applyVerified(m, status, delta)

	raw, err := json.Marshal(cur.Metrics)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE content_instances SET metrics = $2::JSONB WHERE id = $1`, instanceID, string(raw)); err != nil {
		return nil, err
	}
	return cur, nil
}
