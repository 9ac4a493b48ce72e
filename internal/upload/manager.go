package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/config"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/planner"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/storage"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/transfer"
)

var log = logger.For("UploadJob")

var (
	// ErrSessionExists is returned when enqueueing an ID that is already stored.
	ErrSessionExists = errors.New("session already exists")
	// ErrUnknownSession is returned for IDs the store does not know.
	ErrUnknownSession = errors.New("unknown session")
	// ErrReservedOption is returned when an option would shadow a form field
	// the engine sets per batch.
	ErrReservedOption = errors.New("reserved option name")
)

// Sender delivers one batch. *transfer.Executor implements it.
type Sender interface {
	Send(ctx context.Context, s *models.UploadSession, b *planner.Batch) (*transfer.Result, error)
}

// Publisher receives progress events. *notify.Hub implements it.
type Publisher interface {
	Publish(ev models.Event)
}

// Manager drives upload sessions from the durable store to the ingestion
// endpoint. Every drive starts from committed store state, never from memory,
// so a restart at any point resumes where the last commit left off.
//
// Only one session is driven at a time. The single active sweeper is enforced
// within this process; separate processes sharing one store are not supported.
type Manager struct {
	store    storage.Store
	sender   Sender
	pub      Publisher
	profiles config.Profiles
	now      func() time.Time

	driveMu  sync.Mutex
	sweeping atomic.Bool
	pending  atomic.Bool // a sweep was requested while one was running
	wg       sync.WaitGroup

	ctxMu   sync.RWMutex
	baseCtx context.Context // parent of background triggers, set by Start
}

// NewManager creates a new upload manager.
func NewManager(store storage.Store, sender Sender, pub Publisher, profiles config.Profiles) *Manager {
	return &Manager{
		store:    store,
		sender:   sender,
		pub:      pub,
		profiles: profiles,
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  context.Background(),
	}
}

// EnqueueFile is one file handed over by the producer.
type EnqueueFile struct {
	Name    string
	Payload []byte
}

// EnqueueRequest describes a new session.
type EnqueueRequest struct {
	ID          string
	Destination string
	GroupToken  string
	Options     map[string]string
	Files       []EnqueueFile
}

// Enqueue stores a new pending session and its file records. Records are
// written before the session row, so a session visible to a sweep always has
// its full file set.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*models.UploadSession, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.GroupToken == "" {
		req.GroupToken = uuid.New().String()
	}

	for k := range req.Options {
		if transfer.IsReservedField(k) {
			return nil, fmt.Errorf("%w: %s", ErrReservedOption, k)
		}
	}

	if _, err := m.store.GetSession(ctx, req.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// records left behind by an earlier enqueue of this ID that never
	// reached its session row
	if n, err := m.store.DeleteFiles(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.ID, err)
	} else if n > 0 {
		log.Warn("discarded stale records", "session", req.ID, "records", n)
	}

	s := models.NewUploadSession(req.ID, req.Destination, req.GroupToken, req.Options)
	s.CreatedAt = m.now()
	s.UpdatedAt = s.CreatedAt
	s.TotalFiles = len(req.Files)

	for i, f := range req.Files {
		rec := &models.FileRecord{
			SessionID: s.ID,
			Index:     i,
			Name:      f.Name,
			Size:      int64(len(f.Payload)),
			Payload:   f.Payload,
		}
		if err := m.store.PutFile(ctx, rec); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", s.ID, err)
		}
		s.TotalBytes += rec.Size
	}

	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", s.ID, err)
	}

	log.Info("session enqueued", "session", s.ID, "files", s.TotalFiles, "bytes", s.TotalBytes,
		"profile", planner.Classify(s.Destination, m.profiles))
	m.publish(models.EventKindStatus, s)
	return s, nil
}

// GetSession returns the committed state of a session.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, err
}

// ListSessions returns every stored session, oldest first.
func (m *Manager) ListSessions(ctx context.Context) ([]*models.UploadSession, error) {
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.UploadSession, 0, len(ids))
	for _, id := range ids {
		s, err := m.store.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSession removes a session and its pending records. It waits for any
// in-flight drive so a batch is never confirmed against a deleted session.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.driveMu.Lock()
	defer m.driveMu.Unlock()

	err := m.store.DeleteSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return err
}

// Drive uploads a session until it completes, fails or ctx ends.
func (m *Manager) Drive(ctx context.Context, id string) error {
	m.driveMu.Lock()
	defer m.driveMu.Unlock()
	return m.drive(ctx, id)
}

// must be called with driveMu held
func (m *Manager) drive(ctx context.Context, id string) error {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == models.UploadStatusCompleted {
		return nil
	}

	remaining, err := m.store.CountFiles(ctx, id)
	if err != nil {
		return fmt.Errorf("drive %s: %w", id, err)
	}
	if remaining == 0 {
		return m.complete(ctx, s)
	}

	if s.Status != models.UploadStatusUploading {
		log.Info("starting session", "session", id, "from", s.Status, "cursor", s.Cursor, "total", s.TotalFiles)
		s.Status = models.UploadStatusUploading
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.publish(models.EventKindStatus, s)
	} else {
		log.Info("resuming session", "session", id, "cursor", s.Cursor, "total", s.TotalFiles)
	}

	limits := planner.ThresholdsFor(s.Destination, m.profiles)

	for !s.Done() {
		batch, err := planner.Plan(ctx, m.store, s, limits)
		if err != nil {
			return fmt.Errorf("drive %s: %w", id, err)
		}

		if batch.Len() == 0 {
			// only gaps left between cursor and total
			s.Cursor = batch.Next
			if err := m.save(ctx, s); err != nil {
				return err
			}
			continue
		}

		res, err := m.sender.Send(ctx, s, batch)
		if err != nil {
			var de *transfer.DeliveryError
			if errors.As(err, &de) {
				return m.fail(ctx, s, de.Err, de)
			}
			return fmt.Errorf("drive %s: %w", id, err)
		}

		if err := m.apply(ctx, s, batch, res); err != nil {
			return err
		}
	}

	remaining, err = m.store.CountFiles(ctx, id)
	if err != nil {
		return fmt.Errorf("drive %s: %w", id, err)
	}
	if remaining > 0 {
		// records beyond the cursor can only come from a foreign writer
		cause := fmt.Errorf("%d records remain after cursor reached total", remaining)
		return m.fail(ctx, s, cause, cause)
	}
	return m.complete(ctx, s)
}

// apply commits a confirmed batch. Records are deleted before the session is
// saved: a crash in between leaves gaps the planner skips, never a cursor
// pointing past undeleted records.
func (m *Manager) apply(ctx context.Context, s *models.UploadSession, b *planner.Batch, res *transfer.Result) error {
	for _, k := range b.Keys() {
		if err := m.store.DeleteFile(ctx, k.SessionID, k.Index); err != nil {
			return fmt.Errorf("drive %s: %w", s.ID, err)
		}
	}

	s.UploadedFiles += res.Files(b.Len())
	s.UploadedBytes += b.Bytes
	s.CreatedGroupCount += res.StudiesCreated
	s.CreatedSeriesCount += res.TotalSeries
	s.CreatedGroupIDs = append(s.CreatedGroupIDs, res.GroupIDs()...)
	if b.Next > s.Cursor {
		s.Cursor = b.Next
	}
	s.BatchSequence++

	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.publish(models.EventKindProgress, s)
	return nil
}

// fail records cause as the session's terminal error and returns ret.
func (m *Manager) fail(ctx context.Context, s *models.UploadSession, cause, ret error) error {
	s.Status = models.UploadStatusFailed
	s.Errors = append(s.Errors, cause.Error())
	log.Error("session failed", "session", s.ID, "cursor", s.Cursor, "err", cause)

	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.publish(models.EventKindStatus, s)
	return ret
}

func (m *Manager) complete(ctx context.Context, s *models.UploadSession) error {
	s.Status = models.UploadStatusCompleted
	if s.Cursor < s.TotalFiles {
		s.Cursor = s.TotalFiles
	}
	if err := m.save(ctx, s); err != nil {
		return err
	}
	log.Info("session completed", "session", s.ID, "files", s.UploadedFiles, "bytes", s.UploadedBytes,
		"studies", s.CreatedGroupCount, "series", s.CreatedSeriesCount)
	m.publish(models.EventKindStatus, s)
	return nil
}

func (m *Manager) save(ctx context.Context, s *models.UploadSession) error {
	s.UpdatedAt = m.now()
	if err := m.store.PutSession(ctx, s); err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

func (m *Manager) publish(kind models.EventKind, s *models.UploadSession) {
	if m.pub != nil {
		m.pub.Publish(models.NewEvent(kind, s))
	}
}
