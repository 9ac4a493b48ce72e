package storage

import (
	"context"
	"errors"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

// ErrNotFound is returned when a session or file record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable persistence the upload engine relies on.
// Each call is atomic on its own; callers never assume atomicity across calls.
type Store interface {
	PutSession(ctx context.Context, s *models.UploadSession) error
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)
	ListSessionIDs(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, id string) error

	PutFile(ctx context.Context, r *models.FileRecord) error
	GetFile(ctx context.Context, sessionID string, index int) (*models.FileRecord, error)
	DeleteFile(ctx context.Context, sessionID string, index int) error
	DeleteFiles(ctx context.Context, sessionID string) (int, error)
	CountFiles(ctx context.Context, sessionID string) (int, error)

	Close() error
}
