package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// VisitRepo implements ports.VisitRepository with pgx. A partial unique
// index (migrations/002_visits.sql) guarantees at most one open visit per
// (zone, key), so CloseOpen touches at most one row.
type VisitRepo struct {
	db *DB
}

// NewVisitRepo creates a new VisitRepo.
func NewVisitRepo(db *DB) *VisitRepo {
	return &VisitRepo{db: db}
}

// Create records the start of a visit. Workflow activity retries re-run it
// with the same id, so an existing row means the insert already landed.
func (r *VisitRepo) Create(ctx context.Context, visit *domain.Visit) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO visits (id, zone, key, entered_at, dwell_alerted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, visit.ID, visit.Zone, visit.Key, visit.EnteredAt, visit.DwellAlerted)
	return err
}

// CloseOpen stamps the exit time on the open visit for (zone, key) and
// returns it, or nil when no visit is open.
func (r *VisitRepo) CloseOpen(ctx context.Context, zone, key string, exitedAt time.Time) (*domain.Visit, error) {
	var v domain.Visit
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE visits SET exited_at = $3
		WHERE zone = $1 AND key = $2 AND exited_at IS NULL
		RETURNING id, zone, key, entered_at, exited_at, dwell_alerted
	`, zone, key, exitedAt).Scan(&v.ID, &v.Zone, &v.Key, &v.EnteredAt, &v.ExitedAt, &v.DwellAlerted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// MarkDwellAlerted flags the visit so the dwell alert fires once.
func (r *VisitRepo) MarkDwellAlerted(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE visits SET dwell_alerted = TRUE WHERE id = $1`, id)
	return err
}

// ListOpen returns the zone's open visits, oldest first.
func (r *VisitRepo) ListOpen(ctx context.Context, zone string, limit int) ([]domain.Visit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, zone, key, entered_at, exited_at, dwell_alerted
		FROM visits
		WHERE zone = $1 AND exited_at IS NULL
		ORDER BY entered_at
		LIMIT $2
	`, zone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []domain.Visit
	for rows.Next() {
		var v domain.Visit
		if err := rows.Scan(&v.ID, &v.Zone, &v.Key, &v.EnteredAt, &v.ExitedAt, &v.DwellAlerted); err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}
