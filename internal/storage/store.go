package storage

import (
	"context"

	"github.com/google/uuid"
)

// Store is the external blob storage collaborator. Both operations are
// allowed to fail independently of pipeline success: a failed Save only
// disables later re-inspection of the raw file, a failed Delete is logged
// and never rolls back a committed state change.
type Store interface {
	Save(ctx context.Context, data []byte, fileName, mimeType string, ownerID, sessionID uuid.UUID) (string, error)
	Delete(ctx context.Context, url string) error
}
