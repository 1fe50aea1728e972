package repository

import (
	"context"
	"time"

	"ledgerimport/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const ledgerColumns = "id, user_id, bank_account_id, occurred_on, description, amount, direction, source_session_id, source_candidate_id, source_confidence, source_raw_text, created_at"

type LedgerRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewLedgerRepository(db *pgxpool.Pool, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

// ListByUserRange returns the user's ledger rows with occurred_on inside
// [from, to], used as the comparison set for duplicate detection.
func (r *LedgerRepository) ListByUserRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*models.LedgerTransaction, error) {
	query := squirrel.Select(ledgerColumns).
		From("ledger_transactions").
		Where(squirrel.Eq{"user_id": userID}).
		Where(squirrel.GtOrEq{"occurred_on": from}).
		Where(squirrel.LtOrEq{"occurred_on": to}).
		OrderBy("occurred_on ASC").
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

	var txs []*models.LedgerTransaction
	for rows.Next() {
		var tx models.LedgerTransaction
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.BankAccountID, &tx.OccurredOn, &tx.Description,
			&tx.Amount, &tx.Direction, &tx.SourceSessionID, &tx.SourceCandidateID,
			&tx.SourceConfidence, &tx.SourceRawText, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, &tx)
	}

	return txs, rows.Err()
}

// InsertBatchSkipConflicts inserts the rows in one statement with
// ON CONFLICT DO NOTHING against the dedup key
// (bank_account_id, occurred_on, amount, description) and returns the ids
// that were actually inserted. Rows colliding with existing data are skipped,
// which is the authoritative final duplicate guard for a commit.
func (r *LedgerRepository) InsertBatchSkipConflicts(ctx context.Context, txs []*models.LedgerTransaction) ([]uuid.UUID, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	builder := squirrel.Insert("ledger_transactions").
		Columns("id", "user_id", "bank_account_id", "occurred_on", "description", "amount", "direction", "source_session_id", "source_candidate_id", "source_confidence", "source_raw_text", "created_at").
		PlaceholderFormat(squirrel.Dollar).
		Suffix("ON CONFLICT (bank_account_id, occurred_on, amount, description) DO NOTHING RETURNING id")

	for _, tx := range txs {
		builder = builder.Values(tx.ID, tx.UserID, tx.BankAccountID, tx.OccurredOn, tx.Description, tx.Amount, tx.Direction, tx.SourceSessionID, tx.SourceCandidateID, tx.SourceConfidence, tx.SourceRawText, tx.CreatedAt)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inserted []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		inserted = append(inserted, id)
	}

	return inserted, rows.Err()
}
