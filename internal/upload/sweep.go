package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

// Sweep reconciles every stored session. Sessions without remaining records
// are marked completed without any network traffic; pending, uploading and
// failed sessions are driven one after another. An error on one session is
// logged and does not stop the sweep.
func (m *Manager) Sweep(ctx context.Context) error {
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Info("sweep started", "sessions", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.reconcile(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("sweep skipped session", "session", id, "err", err)
		}
	}
	return nil
}

func (m *Manager) reconcile(ctx context.Context, id string) error {
	m.driveMu.Lock()
	defer m.driveMu.Unlock()

	s, err := m.GetSession(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		return nil // deleted since listing
	}
	if err != nil {
		return err
	}
	if s.Status == models.UploadStatusCompleted {
		return nil
	}

	remaining, err := m.store.CountFiles(ctx, id)
	if err != nil {
		return err
	}
	if remaining == 0 {
		log.Info("no records left, completing", "session", id, "status", s.Status)
		return m.complete(ctx, s)
	}

	switch s.Status {
	case models.UploadStatusPending, models.UploadStatusUploading, models.UploadStatusFailed:
		return m.drive(ctx, id)
	}
	return nil
}

// Start runs the activation sweep (when enabled) and then periodic sweeps
// until ctx is done. A zero interval disables periodic sweeps.
func (m *Manager) Start(ctx context.Context, sweepOnStart bool, interval time.Duration) {
	m.ctxMu.Lock()
	m.baseCtx = ctx
	m.ctxMu.Unlock()

	if sweepOnStart {
		m.TriggerSweep()
	}
	if interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.TriggerSweep()
			}
		}
	}()
}

// TriggerSweep starts a sweep in the background. If a sweep is already
// running, one more sweep is queued to run after it; further requests
// coalesce into that one.
func (m *Manager) TriggerSweep() {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.pending.Store(true)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if err := m.Sweep(m.background()); err != nil {
				log.Error("sweep failed", "err", err)
			}
			if !m.pending.CompareAndSwap(true, false) {
				break
			}
		}
		m.sweeping.Store(false)
		// a request may have slipped in between the last check and the reset
		if m.pending.CompareAndSwap(true, false) {
			m.TriggerSweep()
		}
	}()
}

// TriggerDrive starts a targeted drive of one session in the background.
func (m *Manager) TriggerDrive(id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Drive(m.background(), id); err != nil {
			log.Warn("drive ended with error", "session", id, "err", err)
		}
	}()
}

func (m *Manager) background() context.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.baseCtx
}

// Wait blocks until every background sweep and drive has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
