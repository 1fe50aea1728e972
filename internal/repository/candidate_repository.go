package repository

import (
	"context"

	"ledgerimport/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const candidateColumns = "id, session_id, occurred_on, description, amount, direction, balance, raw_text, confidence, line_number, is_duplicate, duplicate_reason, duplicate_of_id, is_selected, created_at"

type CandidateRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewCandidateRepository(db *pgxpool.Pool, logger *zap.Logger) *CandidateRepository {
	return &CandidateRepository{
		db:     db,
		logger: logger,
	}
}

func (r *CandidateRepository) CreateBatch(ctx context.Context, candidates []*models.ExtractedCandidate) error {
	if len(candidates) == 0 {
		return nil
	}

	builder := squirrel.Insert("extracted_candidates").
		Columns("id", "session_id", "occurred_on", "description", "amount", "direction", "balance", "raw_text", "confidence", "line_number", "is_duplicate", "duplicate_reason", "duplicate_of_id", "is_selected", "created_at").
		PlaceholderFormat(squirrel.Dollar)

	for _, c := range candidates {
		builder = builder.Values(c.ID, c.SessionID, c.OccurredOn, c.Description, c.Amount, c.Direction, c.Balance, c.RawText, c.Confidence, c.LineNumber, c.IsDuplicate, c.DuplicateReason, c.DuplicateOfID, c.IsSelected, c.CreatedAt)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *CandidateRepository) ListBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.ExtractedCandidate, error) {
	query := squirrel.Select(candidateColumns).
		From("extracted_candidates").
		Where(squirrel.Eq{"session_id": sessionID}).
		OrderBy("occurred_on ASC", "created_at ASC").
		PlaceholderFormat(squirrel.Dollar)

	return r.queryCandidates(ctx, query)
}

// GetByIDs fetches the candidates with the given ids that belong to this
// session. Ids that do not resolve are silently absent from the result.
func (r *CandidateRepository) GetByIDs(ctx context.Context, sessionID uuid.UUID, ids []uuid.UUID) ([]*models.ExtractedCandidate, error) {
	query := squirrel.Select(candidateColumns).
		From("extracted_candidates").
		Where(squirrel.Eq{"session_id": sessionID, "id": ids}).
		PlaceholderFormat(squirrel.Dollar)

	return r.queryCandidates(ctx, query)
}

// SetSelected toggles one candidate's selection flag. Returns false when the
// candidate does not exist in this session.
func (r *CandidateRepository) SetSelected(ctx context.Context, sessionID, candidateID uuid.UUID, selected bool) (bool, error) {
	query := squirrel.Update("extracted_candidates").
		Set("is_selected", selected).
		Where(squirrel.Eq{"id": candidateID, "session_id": sessionID}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CandidateRepository) DeleteBySessionID(ctx context.Context, sessionID uuid.UUID) error {
	query := squirrel.Delete("extracted_candidates").
		Where(squirrel.Eq{"session_id": sessionID}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *CandidateRepository) queryCandidates(ctx context.Context, query squirrel.SelectBuilder) ([]*models.ExtractedCandidate, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*models.ExtractedCandidate
	for rows.Next() {
		var c models.ExtractedCandidate
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.OccurredOn, &c.Description, &c.Amount,
			&c.Direction, &c.Balance, &c.RawText, &c.Confidence, &c.LineNumber,
			&c.IsDuplicate, &c.DuplicateReason, &c.DuplicateOfID, &c.IsSelected,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		candidates = append(candidates, &c)
	}

	return candidates, rows.Err()
}
