// mock_storage.go - In-memory store implementation for testing
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/storage"
)

// MemoryStore implements storage.Store in memory. Sessions are copied on the
// way in and out so tests observe only what was persisted.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
	order    []string
	files    map[models.FileKey]*models.FileRecord

	// failures maps an operation name ("PutSession", "DeleteFile", ...) to
	// the error its next call returns.
	failures map[string]error
}

var _ storage.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.UploadSession),
		files:    make(map[models.FileKey]*models.FileRecord),
		failures: make(map[string]error),
	}
}

// FailNext makes the next call of op return err.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// must be called with m.mu held
func (m *MemoryStore) injected(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *MemoryStore) PutSession(_ context.Context, s *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("PutSession"); err != nil {
		return err
	}

	if _, exists := m.sessions[s.ID]; !exists {
		m.order = append(m.order, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetSession"); err != nil {
		return nil, err
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessionIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListSessionIDs"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.order...), nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("DeleteSession"); err != nil {
		return err
	}

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for key := range m.files {
		if key.SessionID == id {
			delete(m.files, key)
		}
	}
	return nil
}

func (m *MemoryStore) PutFile(_ context.Context, r *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("PutFile"); err != nil {
		return err
	}

	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	m.files[r.Key()] = &cp
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, sessionID string, index int) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetFile"); err != nil {
		return nil, err
	}

	r, ok := m.files[models.FileKey{SessionID: sessionID, Index: index}]
	if !ok {
		return nil, fmt.Errorf("file %s/%d: %w", sessionID, index, storage.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, sessionID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("DeleteFile"); err != nil {
		return err
	}
	delete(m.files, models.FileKey{SessionID: sessionID, Index: index})
	return nil
}

func (m *MemoryStore) DeleteFiles(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("DeleteFiles"); err != nil {
		return 0, err
	}

	n := 0
	for key := range m.files {
		if key.SessionID == sessionID {
			delete(m.files, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountFiles(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CountFiles"); err != nil {
		return 0, err
	}

	n := 0
	for key := range m.files {
		if key.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

// FileIndices returns the sorted indices still pending for a session.
func (m *MemoryStore) FileIndices(sessionID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for key := range m.files {
		if key.SessionID == sessionID {
			out = append(out, key.Index)
		}
	}
	sort.Ints(out)
	return out
}

// SeedSession stores a session with n files of size bytes each, as an enqueue would.
func (m *MemoryStore) SeedSession(id, destination string, n int, size int64) *models.UploadSession {
	s := models.NewUploadSession(id, destination, "group-"+id, nil)
	s.TotalFiles = n
	s.TotalBytes = int64(n) * size
	for i := 0; i < n; i++ {
		m.PutFile(context.Background(), &models.FileRecord{
			SessionID: id,
			Index:     i,
			Name:      fmt.Sprintf("IMG%04d.dcm", i),
			Size:      size,
			Payload:   make([]byte, size),
		})
	}
	m.PutSession(context.Background(), s)
	return s
}
