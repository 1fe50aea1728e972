package service

import (
	"fmt"
	"strings"
	"time"

	"ledgerimport/internal/models"

	"go.uber.org/zap"
)

// DuplicateDetector annotates candidates that likely match existing ledger
// rows. It never removes candidates; the user keeps final say during review.
type DuplicateDetector struct {
	dateWindowDays int
	similarity     float64
	logger         *zap.Logger
}

func NewDuplicateDetector(dateWindowDays int, similarity float64, logger *zap.Logger) *DuplicateDetector {
	return &DuplicateDetector{
		dateWindowDays: dateWindowDays,
		similarity:     similarity,
		logger:         logger,
	}
}

// Annotate flags candidates matching existing transactions and returns the
// number flagged. A same-day match on absolute amount is always flagged;
// within the date window the descriptions must also be similar enough.
func (d *DuplicateDetector) Annotate(candidates []*models.ExtractedCandidate, existing []*models.LedgerTransaction) int {
	flagged := 0
	for _, c := range candidates {
		match, reason := d.findMatch(c, existing)
		if match == nil {
			continue
		}
		id := match.ID
		c.IsDuplicate = true
		c.DuplicateReason = &reason
		c.DuplicateOfID = &id
		flagged++
	}

	d.logger.Info("Duplicate detection completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("flagged", flagged),
	)

	return flagged
}

func (d *DuplicateDetector) findMatch(c *models.ExtractedCandidate, existing []*models.LedgerTransaction) (*models.LedgerTransaction, string) {
	for _, tx := range existing {
		if !c.Amount.Abs().Equal(tx.Amount.Abs()) {
			continue
		}

		days := daysApart(c.OccurredOn, tx.OccurredOn)
		if days == 0 {
			score := descriptionSimilarity(c.Description, tx.Description)
			if score >= d.similarity {
				return tx, fmt.Sprintf("same date and amount as %q", tx.Description)
			}
			// Same date and amount alone is a strong signal
			return tx, "same date and amount as an existing transaction"
		}

		if days <= d.dateWindowDays {
			if score := descriptionSimilarity(c.Description, tx.Description); score >= d.similarity {
				return tx, fmt.Sprintf("similar to %q %d day(s) apart", tx.Description, days)
			}
		}
	}
	return nil, ""
}

func daysApart(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// descriptionSimilarity scores two descriptions in [0,1] using token overlap
// on normalized text. Identical normalized strings score 1.
func descriptionSimilarity(a, b string) float64 {
	na := normalizeDescription(a)
	nb := normalizeDescription(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	ta := strings.Fields(na)
	tb := strings.Fields(nb)
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	common := 0
	for _, t := range tb {
		if set[t] {
			common++
		}
	}
	// Dice coefficient over token sets
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func normalizeDescription(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
