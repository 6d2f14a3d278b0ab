package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/persistence"
)

// bountyRepo implements persistence.BountyRepo for PostgreSQL.
type bountyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBountyRepo creates a PostgreSQL bounty repository.
func NewBountyRepo(db *sqlx.DB, timeout time.Duration) persistence.BountyRepo {
	return &bountyRepo{db: db, timeout: timeout}
}

func (r *bountyRepo) Insert(ctx context.Context, b bounty.Bounty) error {
	if err := b.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reqJSON, err := json.Marshal(b.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}
	critJSON, err := json.Marshal(b.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	rewardJSON, err := json.Marshal(b.Reward)
	if err != nil {
		return fmt.Errorf("failed to marshal reward schedule: %w", err)
	}

	query := `
		INSERT INTO bounties (task_id, type, status, requirements, criteria, reward,
			claimed_by, claimed_at, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.ExecContext(ctx, query,
		b.TaskID, b.Type, b.Status, reqJSON, critJSON, rewardJSON,
		b.ClaimedBy, b.ClaimedAt, b.Deadline, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bounty: %w", err)
	}
	return nil
}

func (r *bountyRepo) Get(ctx context.Context, taskID string) (bounty.Bounty, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT task_id, type, status, requirements, criteria, reward,
			claimed_by, claimed_at, deadline, created_at
		FROM bounties
		WHERE task_id = $1`

	b, err := scanBounty(r.db.QueryRowxContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bounty.Bounty{}, persistence.ErrNotFound
		}
		return bounty.Bounty{}, fmt.Errorf("failed to get bounty: %w", err)
	}

	subs, err := r.listSubmissions(ctx, taskID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	b.Submissions = subs
	return b, nil
}

func (r *bountyRepo) List(ctx context.Context, filter persistence.BountyFilter) ([]bounty.Bounty, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT task_id, type, status, requirements, criteria, reward,
			claimed_by, claimed_at, deadline, created_at
		FROM bounties
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.db.QueryxContext(ctx, query, string(filter.Status), string(filter.Type), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bounties: %w", err)
	}
	defer rows.Close()

	var bounties []bounty.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bounty: %w", err)
		}
		bounties = append(bounties, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bounties: %w", err)
	}
	return bounties, nil
}

// Claim is the single compare-and-set the coordination protocol leans on:
// one UPDATE guarded by status = 'OPEN'. Racing claimers hit the same row
// lock; the loser's WHERE clause no longer matches and zero rows change.
func (r *bountyRepo) Claim(ctx context.Context, taskID, agentID string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE bounties
		SET status = $1, claimed_by = $2, claimed_at = $3
		WHERE task_id = $4 AND status = $5`,
		bounty.StatusClaimed, agentID, now, taskID, bounty.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to claim bounty: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, taskID); errors.Is(getErr, persistence.ErrNotFound) {
			return persistence.ErrNotFound
		}
		return persistence.ErrClaimConflict
	}
	return nil
}

func (r *bountyRepo) Release(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE bounties
		SET status = $1, claimed_by = '', claimed_at = NULL
		WHERE task_id = $2 AND status IN ($3, $4, $5)`,
		bounty.StatusOpen, taskID,
		bounty.StatusClaimed, bounty.StatusValidating, bounty.StatusExpired)
	if err != nil {
		return fmt.Errorf("failed to release bounty: %w", err)
	}
	return r.requireTransition(ctx, res, taskID)
}

func (r *bountyRepo) RecordSubmission(ctx context.Context, taskID string, sub bounty.Submission) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perfJSON, err := json.Marshal(sub.Performance)
	if err != nil {
		return fmt.Errorf("failed to marshal submission performance: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bounty_submissions (submission_id, task_id, agent_id, gene_id,
			performance, passed, reward, reward_tier, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, taskID, sub.AgentID, sub.GeneID,
		perfJSON, sub.Passed, sub.Reward, sub.RewardTier, sub.Reason, sub.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	return nil
}

func (r *bountyRepo) Complete(ctx context.Context, taskID string) error {
	return r.transition(ctx, taskID, bounty.StatusCompleted,
		bounty.StatusClaimed, bounty.StatusValidating)
}

func (r *bountyRepo) MarkExpired(ctx context.Context, taskID string) error {
	return r.transition(ctx, taskID, bounty.StatusExpired,
		bounty.StatusOpen, bounty.StatusClaimed, bounty.StatusValidating)
}

func (r *bountyRepo) ExtendDeadline(ctx context.Context, taskID string, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE bounties SET deadline = $1 WHERE task_id = $2`,
		deadline, taskID)
	if err != nil {
		return fmt.Errorf("failed to extend bounty deadline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *bountyRepo) Cancel(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE bounties SET status = $1 WHERE task_id = $2`,
		bounty.StatusCancelled, taskID)
	if err != nil {
		return fmt.Errorf("failed to cancel bounty: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *bountyRepo) transition(ctx context.Context, taskID string, to bounty.Status, from ...bounty.Status) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []interface{}{to, taskID}
	query := `UPDATE bounties SET status = $1 WHERE task_id = $2 AND status IN (`
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("$%d", i+3)
		args = append(args, s)
	}
	query += ")"

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition bounty to %s: %w", to, err)
	}
	return r.requireTransition(ctx, res, taskID)
}

func (r *bountyRepo) requireTransition(ctx context.Context, res sql.Result, taskID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err := r.db.QueryRowxContext(ctx, `SELECT status FROM bounties WHERE task_id = $1`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect bounty status: %w", err)
	}
	return persistence.ErrInvalidTransition
}

func (r *bountyRepo) listSubmissions(ctx context.Context, taskID string) ([]bounty.Submission, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT submission_id, agent_id, gene_id, performance, passed,
			reward, reward_tier, reason, submitted_at
		FROM bounty_submissions
		WHERE task_id = $1
		ORDER BY submitted_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []bounty.Submission
	for rows.Next() {
		var sub bounty.Submission
		var perfJSON []byte
		if err := rows.Scan(&sub.ID, &sub.AgentID, &sub.GeneID, &perfJSON,
			&sub.Passed, &sub.Reward, &sub.RewardTier, &sub.Reason, &sub.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		if len(perfJSON) > 0 {
			if err := json.Unmarshal(perfJSON, &sub.Performance); err != nil {
				return nil, fmt.Errorf("failed to unmarshal submission performance: %w", err)
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanBounty(row rowScanner) (bounty.Bounty, error) {
	var b bounty.Bounty
	var reqJSON, critJSON, rewardJSON []byte
	var claimedAt sql.NullTime

	err := row.Scan(
		&b.TaskID, &b.Type, &b.Status, &reqJSON, &critJSON, &rewardJSON,
		&b.ClaimedBy, &claimedAt, &b.Deadline, &b.CreatedAt)
	if err != nil {
		return bounty.Bounty{}, err
	}

	if claimedAt.Valid {
		b.ClaimedAt = &claimedAt.Time
	}
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &b.Requirements); err != nil {
			return bounty.Bounty{}, fmt.Errorf("failed to unmarshal requirements: %w", err)
		}
	}
	if len(critJSON) > 0 {
		if err := json.Unmarshal(critJSON, &b.Criteria); err != nil {
			return bounty.Bounty{}, fmt.Errorf("failed to unmarshal criteria: %w", err)
		}
	}
	if len(rewardJSON) > 0 {
		if err := json.Unmarshal(rewardJSON, &b.Reward); err != nil {
			return bounty.Bounty{}, fmt.Errorf("failed to unmarshal reward schedule: %w", err)
		}
	}
	return b, nil
}
