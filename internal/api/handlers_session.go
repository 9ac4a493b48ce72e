// handlers_session.go - Upload session handlers
package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/upload"
)

// Multipart form fields accepted by HandleEnqueue.
const (
	formID          = "id"
	formDestination = "destination"
	formGroupToken  = "group_token"
	formOptions     = "options"
	formFiles       = "files"

	mimeMsgpack = "application/msgpack"
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	sessions      SessionService
	allowDeletion bool
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionService, allowDeletion bool) SessionHandler {
	return &SessionHandlerImpl{
		sessions:      sessions,
		allowDeletion: allowDeletion,
	}
}

type enqueueFileRequest struct {
	Name string `json:"name"`
	Data string `json:"data"` // Base64-encoded file content
}

type enqueueRequest struct {
	ID          string               `json:"id"`
	Destination string               `json:"destination"`
	GroupToken  string               `json:"group_token"`
	Options     map[string]string    `json:"options"`
	Files       []enqueueFileRequest `json:"files"`
}

// HandleEnqueue stores a new session and starts driving it in the background.
// Accepts either a multipart form or a JSON body with base64 file data.
func (h *SessionHandlerImpl) HandleEnqueue(c echo.Context) error {
	var (
		req upload.EnqueueRequest
		err error
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		req, err = enqueueFromForm(c)
	} else {
		req, err = enqueueFromJSON(c)
	}
	if err != nil {
		return err
	}

	if err := validateDestination(req.Destination); err != nil {
		return err
	}

	s, err := h.sessions.Enqueue(c.Request().Context(), req)
	if err != nil {
		return sessionError(req.ID, err)
	}
	h.sessions.TriggerDrive(s.ID)

	return c.JSON(http.StatusCreated, s)
}

func enqueueFromJSON(c echo.Context) (upload.EnqueueRequest, error) {
	var body enqueueRequest
	if err := c.Bind(&body); err != nil {
		return upload.EnqueueRequest{}, NewBadRequestError("invalid JSON body", err)
	}

	req := upload.EnqueueRequest{
		ID:          body.ID,
		Destination: strings.TrimSpace(body.Destination),
		GroupToken:  body.GroupToken,
		Options:     body.Options,
	}
	for i, f := range body.Files {
		if f.Name == "" {
			return req, NewValidationError(fmt.Sprintf("files[%d].name", i))
		}
		payload, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return req, NewBadRequestError(fmt.Sprintf("invalid base64 data for %s", f.Name), err)
		}
		req.Files = append(req.Files, upload.EnqueueFile{Name: f.Name, Payload: payload})
	}
	return req, nil
}

func enqueueFromForm(c echo.Context) (upload.EnqueueRequest, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return upload.EnqueueRequest{}, NewBadRequestError("invalid multipart form", err)
	}

	req := upload.EnqueueRequest{
		ID:          c.FormValue(formID),
		Destination: strings.TrimSpace(c.FormValue(formDestination)),
		GroupToken:  c.FormValue(formGroupToken),
	}
	if raw := c.FormValue(formOptions); raw != "" {
		if err := sonic.UnmarshalString(raw, &req.Options); err != nil {
			return req, NewBadRequestError("options must be a JSON object of strings", err)
		}
	}

	for _, fh := range form.File[formFiles] {
		payload, err := readPart(fh)
		if err != nil {
			return req, NewBadRequestError(fmt.Sprintf("failed to read %s", fh.Filename), err)
		}
		req.Files = append(req.Files, upload.EnqueueFile{Name: fh.Filename, Payload: payload})
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func validateDestination(dest string) error {
	if dest == "" {
		return NewValidationError(formDestination)
	}
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewBadRequestError("destination must be an absolute http(s) URL", err)
	}
	return nil
}

// HandleSweep triggers a reconciliation sweep over every stored session.
func (h *SessionHandlerImpl) HandleSweep(c echo.Context) error {
	h.sessions.TriggerSweep()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sweep_started"})
}

// HandleStart triggers a drive of one session.
func (h *SessionHandlerImpl) HandleStart(c echo.Context) error {
	id := c.Param("id")
	s, err := h.sessions.GetSession(c.Request().Context(), id)
	if err != nil {
		return sessionError(id, err)
	}

	h.sessions.TriggerDrive(id)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status":    "started",
		"sessionId": id,
		"from":      s.Status,
	})
}

// HandleListSessions returns every session, oldest first.
func (h *SessionHandlerImpl) HandleListSessions(c echo.Context) error {
	sessions, err := h.sessions.ListSessions(c.Request().Context())
	if err != nil {
		return NewInternalError("failed to list sessions", err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// HandleGetSession returns the committed state of one session as JSON, or as
// msgpack when the client asks for it.
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	id := c.Param("id")
	s, err := h.sessions.GetSession(c.Request().Context(), id)
	if err != nil {
		return sessionError(id, err)
	}

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack) {
		data, err := msgpack.Marshal(s)
		if err != nil {
			return NewInternalError("failed to encode session", err)
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, s)
}

// HandleDeleteSession removes a session and its pending records.
func (h *SessionHandlerImpl) HandleDeleteSession(c echo.Context) error {
	if !h.allowDeletion {
		return NewForbiddenError("session deletion is disabled")
	}

	id := c.Param("id")
	if err := h.sessions.DeleteSession(c.Request().Context(), id); err != nil {
		return sessionError(id, err)
	}
	log.Info("session deleted", "session", id)
	return c.NoContent(http.StatusNoContent)
}
