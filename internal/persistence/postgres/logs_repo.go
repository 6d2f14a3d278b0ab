package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/genepool/internal/persistence"
)

// deathLog implements persistence.DeathLog for PostgreSQL.
type deathLog struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDeathLog creates a PostgreSQL death log.
func NewDeathLog(db *sqlx.DB, timeout time.Duration) persistence.DeathLog {
	return &deathLog{db: db, timeout: timeout}
}

func (l *deathLog) Record(ctx context.Context, event persistence.DeathEvent) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO gene_deaths (gene_id, name, final_score, cause, at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.GeneID, event.Name, event.FinalScore, event.Cause, event.At)
	if err != nil {
		return fmt.Errorf("failed to record death event: %w", err)
	}
	return nil
}

func (l *deathLog) List(ctx context.Context, limit int) ([]persistence.DeathEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryxContext(ctx, `
		SELECT gene_id, name, final_score, cause, at
		FROM gene_deaths
		ORDER BY at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list death events: %w", err)
	}
	defer rows.Close()

	var events []persistence.DeathEvent
	for rows.Next() {
		var e persistence.DeathEvent
		if err := rows.Scan(&e.GeneID, &e.Name, &e.FinalScore, &e.Cause, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan death event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// capsuleRepo implements persistence.CapsuleRepo for PostgreSQL.
type capsuleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCapsuleRepo creates a PostgreSQL capsule repository.
func NewCapsuleRepo(db *sqlx.DB, timeout time.Duration) persistence.CapsuleRepo {
	return &capsuleRepo{db: db, timeout: timeout}
}

func (r *capsuleRepo) Insert(ctx context.Context, c persistence.Capsule) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	validationJSON, err := json.Marshal(c.Validation)
	if err != nil {
		return fmt.Errorf("failed to marshal capsule validation: %w", err)
	}
	metaJSON, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal capsule meta: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO capsules (capsule_id, gene_id, code, validation, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.GeneID, c.Code, validationJSON, metaJSON, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capsule: %w", err)
	}
	return nil
}

func (r *capsuleRepo) Get(ctx context.Context, id string) (persistence.Capsule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT capsule_id, gene_id, code, validation, meta, created_at
		FROM capsules
		WHERE capsule_id = $1`, id)

	c, err := scanCapsule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Capsule{}, persistence.ErrNotFound
		}
		return persistence.Capsule{}, fmt.Errorf("failed to get capsule: %w", err)
	}
	return c, nil
}

func (r *capsuleRepo) ListByGene(ctx context.Context, geneID string) ([]persistence.Capsule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT capsule_id, gene_id, code, validation, meta, created_at
		FROM capsules
		WHERE gene_id = $1
		ORDER BY created_at ASC`, geneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capsules: %w", err)
	}
	defer rows.Close()

	var capsules []persistence.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capsule: %w", err)
		}
		capsules = append(capsules, c)
	}
	return capsules, rows.Err()
}

func scanCapsule(row rowScanner) (persistence.Capsule, error) {
	var c persistence.Capsule
	var validationJSON, metaJSON []byte

	if err := row.Scan(&c.ID, &c.GeneID, &c.Code, &validationJSON, &metaJSON, &c.CreatedAt); err != nil {
		return persistence.Capsule{}, err
	}
	if len(validationJSON) > 0 {
		if err := json.Unmarshal(validationJSON, &c.Validation); err != nil {
			return persistence.Capsule{}, fmt.Errorf("failed to unmarshal capsule validation: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &c.Meta); err != nil {
			return persistence.Capsule{}, fmt.Errorf("failed to unmarshal capsule meta: %w", err)
		}
	}
	return c, nil
}

// scheduleLog implements persistence.ScheduleLog for PostgreSQL.
type scheduleLog struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScheduleLog creates a PostgreSQL schedule-adjustment log.
func NewScheduleLog(db *sqlx.DB, timeout time.Duration) persistence.ScheduleLog {
	return &scheduleLog{db: db, timeout: timeout}
}

func (l *scheduleLog) Record(ctx context.Context, adj persistence.ScheduleAdjustment) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO schedule_adjustments (previous_spec, new_spec, adjusted_by, reason, at)
		VALUES ($1, $2, $3, $4, $5)`,
		adj.PreviousSpec, adj.NewSpec, adj.AdjustedBy, adj.Reason, adj.At)
	if err != nil {
		return fmt.Errorf("failed to record schedule adjustment: %w", err)
	}
	return nil
}

func (l *scheduleLog) List(ctx context.Context, limit int) ([]persistence.ScheduleAdjustment, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryxContext(ctx, `
		SELECT previous_spec, new_spec, adjusted_by, reason, at
		FROM schedule_adjustments
		ORDER BY at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule adjustments: %w", err)
	}
	defer rows.Close()

	var adjs []persistence.ScheduleAdjustment
	for rows.Next() {
		var a persistence.ScheduleAdjustment
		if err := rows.Scan(&a.PreviousSpec, &a.NewSpec, &a.AdjustedBy, &a.Reason, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan schedule adjustment: %w", err)
		}
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// NewStore wires every PostgreSQL repo into one persistence.Store.
func NewStore(db *sqlx.DB, timeout time.Duration) persistence.Store {
	return persistence.Store{
		Genes:     NewGeneRepo(db, timeout),
		Bounties:  NewBountyRepo(db, timeout),
		Deaths:    NewDeathLog(db, timeout),
		Capsules:  NewCapsuleRepo(db, timeout),
		Schedules: NewScheduleLog(db, timeout),
	}
}
