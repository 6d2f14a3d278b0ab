// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every operation is a single statement or transaction with a bounded
// context timeout.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/persistence"
)

const uniqueViolation = "23505"

// geneRepo implements persistence.GeneRepo for PostgreSQL.
type geneRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGeneRepo creates a PostgreSQL gene repository.
func NewGeneRepo(db *sqlx.DB, timeout time.Duration) persistence.GeneRepo {
	return &geneRepo{db: db, timeout: timeout}
}

func (r *geneRepo) Insert(ctx context.Context, g gene.Gene) error {
	if err := g.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(g.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	var perfJSON []byte
	if g.Performance != nil {
		perfJSON, err = json.Marshal(g.Performance)
		if err != nil {
			return fmt.Errorf("failed to marshal performance: %w", err)
		}
	}

	query := `
		INSERT INTO genes (gene_id, name, formula, parameters, source, author,
			parent_gene_id, generation, fitness, performance, validation_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.ExecContext(ctx, query,
		g.ID, g.Name, g.Formula, paramsJSON, g.Source, g.Author,
		g.ParentID, g.Generation, g.Fitness, perfJSON, g.ValidationStatus, g.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.ErrDuplicateFormula
		}
		return fmt.Errorf("failed to insert gene: %w", err)
	}

	return nil
}

func (r *geneRepo) Get(ctx context.Context, id string) (gene.Gene, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT gene_id, name, formula, parameters, source, author,
			parent_gene_id, generation, fitness, performance, validation_status, created_at
		FROM genes
		WHERE gene_id = $1`

	g, err := scanGene(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gene.Gene{}, persistence.ErrNotFound
		}
		return gene.Gene{}, fmt.Errorf("failed to get gene: %w", err)
	}
	return g, nil
}

func (r *geneRepo) List(ctx context.Context, filter persistence.GeneFilter) ([]gene.Gene, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT gene_id, name, formula, parameters, source, author,
			parent_gene_id, generation, fitness, performance, validation_status, created_at
		FROM genes
		WHERE ($1 = '' OR validation_status = $1)
		  AND ($2::int IS NULL OR generation = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryxContext(ctx, query, string(filter.Status), filter.Generation, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list genes: %w", err)
	}
	defer rows.Close()

	var genes []gene.Gene
	for rows.Next() {
		g, err := scanGene(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gene: %w", err)
		}
		genes = append(genes, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating genes: %w", err)
	}
	return genes, nil
}

func (r *geneRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM genes WHERE gene_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete gene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *geneRepo) UpdatePerformance(ctx context.Context, id string, perf gene.Performance, fitness float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perfJSON, err := json.Marshal(perf)
	if err != nil {
		return fmt.Errorf("failed to marshal performance: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE genes SET performance = $1, fitness = $2 WHERE gene_id = $3`,
		perfJSON, fitness, id)
	if err != nil {
		return fmt.Errorf("failed to update performance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *geneRepo) UpdateValidation(ctx context.Context, id string, status gene.ValidationStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE genes SET validation_status = $1 WHERE gene_id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update validation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *geneRepo) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM genes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count genes: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGene(row rowScanner) (gene.Gene, error) {
	var g gene.Gene
	var paramsJSON, perfJSON []byte

	err := row.Scan(
		&g.ID, &g.Name, &g.Formula, &paramsJSON, &g.Source, &g.Author,
		&g.ParentID, &g.Generation, &g.Fitness, &perfJSON, &g.ValidationStatus, &g.CreatedAt)
	if err != nil {
		return gene.Gene{}, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &g.Parameters); err != nil {
			return gene.Gene{}, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if len(perfJSON) > 0 {
		var perf gene.Performance
		if err := json.Unmarshal(perfJSON, &perf); err != nil {
			return gene.Gene{}, fmt.Errorf("failed to unmarshal performance: %w", err)
		}
		g.Performance = &perf
	}
	return g, nil
}
