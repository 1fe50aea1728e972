package repository

import (
	"context"

	"ledgerimport/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type AccountRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAccountRepository(db *pgxpool.Pool, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *AccountRepository) Create(ctx context.Context, a *models.BankAccount) error {
	query := squirrel.Insert("bank_accounts").
		Columns("id", "user_id", "name", "currency", "created_at").
		Values(a.ID, a.UserID, a.Name, a.Currency, a.CreatedAt).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	query := squirrel.Select("id", "user_id", "name", "currency", "created_at").
		From("bank_accounts").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	var a models.BankAccount
	err = r.db.QueryRow(ctx, sql, args...).Scan(&a.ID, &a.UserID, &a.Name, &a.Currency, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &a, nil
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.BankAccount, error) {
	query := squirrel.Select("id", "user_id", "name", "currency", "created_at").
		From("bank_accounts").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at ASC").
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

	var accounts []*models.BankAccount
	for rows.Next() {
		var a models.BankAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Currency, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, &a)
	}

	return accounts, rows.Err()
}
