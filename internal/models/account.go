package models

import (
	"time"

	"github.com/google/uuid"
)

// BankAccount is a destination account for confirmed imports.
type BankAccount struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Name      string    `db:"name"`
	Currency  string    `db:"currency"`
	CreatedAt time.Time `db:"created_at"`
}
