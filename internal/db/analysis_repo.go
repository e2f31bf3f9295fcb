package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"propsight/internal/types"
)

// AnalysisRepo provides data access for the analyses table.
//
// Rows are written only after the billing gate has authorized the creation;
// plan_at_time is stamped from that decision and never re-derived.
type AnalysisRepo struct {
	db DBTX
}

// NewAnalysisRepo creates a new AnalysisRepo backed by the given database
// connection (pool or transaction).
func NewAnalysisRepo(db DBTX) *AnalysisRepo {
	return &AnalysisRepo{db: db}
}

// analysisColumns defines the standard set of columns selected for analysis
// queries. Used consistently across all query methods to avoid column drift.
const analysisColumns = `a.id, a.user_id, a.address, a.analysis_type, a.parameters,
	a.status, a.plan_at_time, a.created_at, a.updated_at`

func scanAnalysis(row pgx.Row) (*types.Analysis, error) {
	var a types.Analysis
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Address,
		&a.Type,
		&a.Parameters,
		&a.Status,
		&a.PlanAtTime,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new analysis record. The caller must set the ID
// (prefixed UUID, e.g. "an_...") and plan_at_time before calling.
func (r *AnalysisRepo) Create(ctx context.Context, a *types.Analysis) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO analyses (id, user_id, address, analysis_type, parameters,
		 status, plan_at_time, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()), NOW())`,
		a.ID,
		a.UserID,
		a.Address,
		a.Type,
		a.Parameters,
		a.Status,
		a.PlanAtTime,
		nilIfZeroTime(a.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create analysis", err)
	}
	return nil
}

// GetByID retrieves an analysis scoped to its owner.
// Returns ErrCodeNotFoundAnalysis if no matching row exists; the same code
// is returned for rows owned by other users so that IDs cannot be probed.
func (r *AnalysisRepo) GetByID(ctx context.Context, id string, userID string) (*types.Analysis, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+analysisColumns+`
		 FROM analyses a
		 WHERE a.id = $1 AND a.user_id = $2`,
		id,
		userID,
	)

	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAnalysis, "analysis not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve analysis", err)
	}
	return a, nil
}

// UpdateStatus transitions an analysis through its lifecycle
// (pending, running, completed, failed).
func (r *AnalysisRepo) UpdateStatus(ctx context.Context, id string, status types.AnalysisStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE analyses SET status = $1, updated_at = NOW() WHERE id = $2`,
		status,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update analysis status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAnalysis, "analysis not found", nil)
	}
	return nil
}

// List retrieves a user's analyses with optional filtering and cursor-based
// pagination. Results are ordered by created_at DESC (newest first).
//
// Uses limit+1 fetch strategy to determine HasMore without a separate COUNT
// query. The cursor is the created_at of the last item from the previous
// page, formatted as RFC3339Nano.
func (r *AnalysisRepo) List(ctx context.Context, params types.ListAnalysesParams) ([]*types.Analysis, types.PageInfo, error) {
	limit := types.ClampPageSize(params.Limit)

	var conditions []string
	var args []any
	argIdx := 1

	// User scope is always enforced.
	conditions = append(conditions, fmt.Sprintf("a.user_id = $%d", argIdx))
	args = append(args, params.UserID)
	argIdx++

	if params.Status != "" {
		conditions = append(conditions, fmt.Sprintf("a.status = $%d", argIdx))
		args = append(args, params.Status)
		argIdx++
	}

	if params.Type != "" {
		conditions = append(conditions, fmt.Sprintf("a.analysis_type = $%d", argIdx))
		args = append(args, params.Type)
		argIdx++
	}

	// Cursor-based pagination: fetch items older than the cursor timestamp.
	if params.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, params.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationBody,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("a.created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT %s
		 FROM analyses a
		 WHERE %s
		 ORDER BY a.created_at DESC
		 LIMIT $%d`,
		analysisColumns,
		strings.Join(conditions, " AND "),
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list analyses", err)
	}
	defer rows.Close()

	var results []*types.Analysis
	for rows.Next() {
		a, scanErr := scanAnalysis(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan analysis row", scanErr)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating analysis rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}
