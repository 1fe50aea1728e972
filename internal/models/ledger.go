package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerTransaction is a permanent, reconciled transaction record. The import
// pipeline reads these for duplicate comparison and appends new rows at
// confirmation, carrying provenance metadata back to the originating session.
type LedgerTransaction struct {
	ID                uuid.UUID       `db:"id"`
	UserID            uuid.UUID       `db:"user_id"`
	BankAccountID     uuid.UUID       `db:"bank_account_id"`
	OccurredOn        time.Time       `db:"occurred_on"`
	Description       string          `db:"description"`
	Amount            decimal.Decimal `db:"amount"`
	Direction         Direction       `db:"direction"`
	SourceSessionID   *uuid.UUID      `db:"source_session_id"`
	SourceCandidateID *uuid.UUID      `db:"source_candidate_id"`
	SourceConfidence  *float64        `db:"source_confidence"`
	SourceRawText     *string         `db:"source_raw_text"`
	CreatedAt         time.Time       `db:"created_at"`
}
