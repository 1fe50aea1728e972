package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ExtractedCandidate is one transaction proposed by the structuring stage.
// Candidates belong to exactly one session and are deleted when the session
// is confirmed or cancelled.
type ExtractedCandidate struct {
	ID              uuid.UUID        `db:"id"`
	SessionID       uuid.UUID        `db:"session_id"`
	OccurredOn      time.Time        `db:"occurred_on"`
	Description     string           `db:"description"`
	Amount          decimal.Decimal  `db:"amount"`
	Direction       Direction        `db:"direction"`
	Balance         *decimal.Decimal `db:"balance"`
	RawText         string           `db:"raw_text"`
	Confidence      float64          `db:"confidence"`
	LineNumber      *int             `db:"line_number"`
	IsDuplicate     bool             `db:"is_duplicate"`
	DuplicateReason *string          `db:"duplicate_reason"`
	DuplicateOfID   *uuid.UUID       `db:"duplicate_of_id"`
	IsSelected      bool             `db:"is_selected"`
	CreatedAt       time.Time        `db:"created_at"`
}
