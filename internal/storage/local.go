package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalStore keeps uploaded files under a local directory and addresses them
// with /uploads/<name> URLs.
type LocalStore struct {
	dir    string
	logger *zap.Logger
}

func NewLocalStore(dir string, logger *zap.Logger) *LocalStore {
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("Failed to create upload directory", zap.Error(err))
	}
	return &LocalStore{
		dir:    dir,
		logger: logger,
	}
}

func (s *LocalStore) Save(ctx context.Context, data []byte, fileName, mimeType string, ownerID, sessionID uuid.UUID) (string, error) {
	ext := filepath.Ext(fileName)
	name := sessionID.String() + ext
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	s.logger.Debug("File stored",
		zap.String("path", path),
		zap.String("mime_type", mimeType),
		zap.String("owner_id", ownerID.String()),
	)

	return "/uploads/" + name, nil
}

func (s *LocalStore) Delete(ctx context.Context, url string) error {
	if !strings.HasPrefix(url, "/uploads/") {
		return fmt.Errorf("unrecognized file url: %s", url)
	}
	name := strings.TrimPrefix(url, "/uploads/")
	// Base guards against path traversal in stored urls
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
