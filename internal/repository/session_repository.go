package repository

import (
	"context"
	"encoding/json"

	"ledgerimport/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const sessionColumns = "id, user_id, file_name, file_type, file_size, file_url, status, institution, extracted_count, duplicate_count, imported_count, avg_confidence, processing_ms, error, steps, created_at, updated_at"

type SessionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSessionRepository(db *pgxpool.Pool, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.ImportSession) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return err
	}

	query := squirrel.Insert("import_sessions").
		Columns("id", "user_id", "file_name", "file_type", "file_size", "file_url", "status", "institution", "extracted_count", "duplicate_count", "imported_count", "avg_confidence", "processing_ms", "error", "steps", "created_at", "updated_at").
		Values(s.ID, s.UserID, s.FileName, s.FileType, s.FileSize, s.FileURL, s.Status, s.Institution, s.ExtractedCount, s.DuplicateCount, s.ImportedCount, s.AvgConfidence, s.ProcessingMS, s.Error, steps, s.CreatedAt, s.UpdatedAt).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	query := squirrel.Select(sessionColumns).
		From("import_sessions").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	return r.scanSession(r.db.QueryRow(ctx, sql, args...))
}

func (r *SessionRepository) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.ImportSession, error) {
	query := squirrel.Select(sessionColumns).
		From("import_sessions").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.ImportSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// SaveSteps persists the session's step log. Called after every pipeline
// stage so the next stage never starts before the log entry is durable.
// Guarded on PROCESSING: a session cancelled mid-pipeline never has its log
// rewritten after the fact.
func (r *SessionRepository) SaveSteps(ctx context.Context, id uuid.UUID, steps []models.ImportStep) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	_, err = r.updateGuarded(ctx, id, map[string]interface{}{"steps": data})
	return err
}

// SetInstitution records the detected institution independently of later
// stage success, so it stays visible on failed sessions.
func (r *SessionRepository) SetInstitution(ctx context.Context, id uuid.UUID, institution string) error {
	_, err := r.updateGuarded(ctx, id, map[string]interface{}{"institution": institution})
	return err
}

// MarkReview transitions a PROCESSING session to REVIEW with its pipeline
// stats. The status guard keeps a session cancelled mid-pipeline from being
// resurrected; false means the session already left PROCESSING and the run's
// results must be discarded by the caller.
func (r *SessionRepository) MarkReview(ctx context.Context, s *models.ImportSession) (bool, error) {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return false, err
	}
	return r.updateGuarded(ctx, s.ID, map[string]interface{}{
		"status":          models.StatusReview,
		"extracted_count": s.ExtractedCount,
		"duplicate_count": s.DuplicateCount,
		"avg_confidence":  s.AvgConfidence,
		"processing_ms":   s.ProcessingMS,
		"steps":           steps,
	})
}

func (r *SessionRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, steps []models.ImportStep) (bool, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return false, err
	}
	return r.updateGuarded(ctx, id, map[string]interface{}{
		"status": models.StatusFailed,
		"error":  errMsg,
		"steps":  data,
	})
}

// MarkConfirmed and MarkCancelled enforce their state precondition inside
// the UPDATE itself, so two overlapping requests that both read REVIEW
// resolve here: the loser sees zero affected rows and reports false.
func (r *SessionRepository) MarkConfirmed(ctx context.Context, id uuid.UUID, importedCount int) (bool, error) {
	return r.exec(ctx, squirrel.Update("import_sessions").
		SetMap(map[string]interface{}{
			"status":         models.StatusConfirmed,
			"imported_count": importedCount,
		}).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id, "status": models.StatusReview}))
}

func (r *SessionRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exec(ctx, squirrel.Update("import_sessions").
		Set("status", models.StatusCancelled).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"status": []models.SessionStatus{models.StatusConfirmed, models.StatusCancelled}}))
}

func (r *SessionRepository) updateGuarded(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (bool, error) {
	return r.exec(ctx, squirrel.Update("import_sessions").
		SetMap(fields).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id, "status": models.StatusProcessing}))
}

func (r *SessionRepository) exec(ctx context.Context, query squirrel.UpdateBuilder) (bool, error) {
	sql, args, err := query.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scanSession(row rowScanner) (*models.ImportSession, error) {
	var s models.ImportSession
	var steps []byte
	if err := row.Scan(
		&s.ID, &s.UserID, &s.FileName, &s.FileType, &s.FileSize, &s.FileURL,
		&s.Status, &s.Institution, &s.ExtractedCount, &s.DuplicateCount,
		&s.ImportedCount, &s.AvgConfidence, &s.ProcessingMS, &s.Error,
		&steps, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &s.Steps); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
