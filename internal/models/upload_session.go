package models

import "time"

// UploadStatus represents the lifecycle state of an upload session.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)

// UploadSession tracks one multi-file upload durably until completion.
type UploadSession struct {
	ID          string            `json:"id" msgpack:"id"`
	Destination string            `json:"destination" msgpack:"destination"`
	GroupToken  string            `json:"groupToken" msgpack:"groupToken"`
	Options     map[string]string `json:"options,omitempty" msgpack:"options,omitempty"`

	TotalFiles int   `json:"totalFiles" msgpack:"totalFiles"`
	TotalBytes int64 `json:"totalBytes" msgpack:"totalBytes"`

	Cursor        int   `json:"cursor" msgpack:"cursor"`
	UploadedFiles int   `json:"uploadedFiles" msgpack:"uploadedFiles"`
	UploadedBytes int64 `json:"uploadedBytes" msgpack:"uploadedBytes"`
	BatchSequence int   `json:"batchSequence" msgpack:"batchSequence"`

	Status UploadStatus `json:"status" msgpack:"status"`
	Errors []string     `json:"errors" msgpack:"errors"`

	CreatedGroupCount  int      `json:"createdGroupCount" msgpack:"createdGroupCount"`
	CreatedSeriesCount int      `json:"createdSeriesCount" msgpack:"createdSeriesCount"`
	CreatedGroupIDs    []string `json:"createdGroupIds,omitempty" msgpack:"createdGroupIds,omitempty"`

	CreatedAt time.Time `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updatedAt"`
}

// NewUploadSession creates a new UploadSession in pending status.
func NewUploadSession(id, destination, groupToken string, options map[string]string) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:          id,
		Destination: destination,
		GroupToken:  groupToken,
		Options:     options,
		Status:      UploadStatusPending,
		Errors:      make([]string, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the session.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Options != nil {
		c.Options = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			c.Options[k] = v
		}
	}
	c.Errors = append(make([]string, 0, len(s.Errors)), s.Errors...)
	c.CreatedGroupIDs = append([]string(nil), s.CreatedGroupIDs...)
	return &c
}

// Done reports whether every file has been confirmed.
func (s *UploadSession) Done() bool {
	return s.Cursor >= s.TotalFiles
}

// FileKey identifies a FileRecord within the durable store.
type FileKey struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
}

// FileRecord is one enqueued file awaiting delivery.
type FileRecord struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Payload   []byte `json:"-"`
}

// Key returns the record's store key.
func (r *FileRecord) Key() FileKey {
	return FileKey{SessionID: r.SessionID, Index: r.Index}
}
