// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/notify"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/upload"
)

var log = logger.For("API")

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionHandler handles upload session operations
type SessionHandler interface {
	HandleEnqueue(c echo.Context) error
	HandleSweep(c echo.Context) error
	HandleStart(c echo.Context) error
	HandleListSessions(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
}

// ProgressHandler streams progress events to websocket clients
type ProgressHandler interface {
	HandleProgressSocket(c echo.Context) error
}

// SessionService defines the upload manager operations the handlers need.
// This allows mocking in tests
type SessionService interface {
	Enqueue(ctx context.Context, req upload.EnqueueRequest) (*models.UploadSession, error)
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)
	ListSessions(ctx context.Context) ([]*models.UploadSession, error)
	DeleteSession(ctx context.Context, id string) error
	TriggerSweep()
	TriggerDrive(id string)
}

// Subscriber attaches progress observers. *notify.Hub implements it.
type Subscriber interface {
	Subscribe(o notify.Observer) (unsubscribe func())
}

var (
	_ SessionService = (*upload.Manager)(nil)
	_ Subscriber     = (*notify.Hub)(nil)
)
