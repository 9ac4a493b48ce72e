package models

// EventKind distinguishes the two notifications the engine publishes.
type EventKind string

const (
	EventKindStatus   EventKind = "status"
	EventKindProgress EventKind = "progress"
)

// Event is a best-effort progress notification for attached observers.
type Event struct {
	Kind               EventKind      `json:"kind"`
	SessionID          string         `json:"sessionId"`
	Status             UploadStatus   `json:"status"`
	UploadedFiles      int            `json:"uploadedFiles"`
	TotalFiles         int            `json:"totalFiles"`
	UploadedBytes      int64          `json:"uploadedBytes"`
	TotalBytes         int64          `json:"totalBytes"`
	CreatedGroupCount  int            `json:"createdGroupCount"`
	CreatedSeriesCount int            `json:"createdSeriesCount"`
	Session            *UploadSession `json:"session,omitempty"` // set on completion
}

// NewEvent builds an event from the session's current counters.
func NewEvent(kind EventKind, s *UploadSession) Event {
	ev := Event{
		Kind:               kind,
		SessionID:          s.ID,
		Status:             s.Status,
		UploadedFiles:      s.UploadedFiles,
		TotalFiles:         s.TotalFiles,
		UploadedBytes:      s.UploadedBytes,
		TotalBytes:         s.TotalBytes,
		CreatedGroupCount:  s.CreatedGroupCount,
		CreatedSeriesCount: s.CreatedSeriesCount,
	}
	if kind == EventKindStatus && s.Status == UploadStatusCompleted {
		ev.Session = s.Clone()
	}
	return ev
}
