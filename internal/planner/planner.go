// Package planner selects the next run of undelivered files for a session.
package planner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/config"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/storage"
)

// Profile classifies a destination host.
type Profile string

const (
	ProfileDirect      Profile = "direct"
	ProfileConstrained Profile = "constrained"
)

// FileSource is the part of the store the planner reads from.
type FileSource interface {
	GetFile(ctx context.Context, sessionID string, index int) (*models.FileRecord, error)
}

// Batch is a contiguous (after gap skipping) run of records to send together.
type Batch struct {
	Records []*models.FileRecord
	Bytes   int64
	Next    int  // index after the last scanned position
	Final   bool // Next reaches the session's total
}

// Keys returns the store keys of the batch, in order.
func (b *Batch) Keys() []models.FileKey {
	keys := make([]models.FileKey, len(b.Records))
	for i, r := range b.Records {
		keys[i] = r.Key()
	}
	return keys
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.Records) }

// Classify returns the profile for destination. Hosts matching any of the
// constrained patterns are tunnel relays with tight idle and payload limits.
func Classify(destination string, profiles config.Profiles) Profile {
	host := destination
	if u, err := url.Parse(destination); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)

	for _, pattern := range profiles.ConstrainedHosts {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if ok, _ := path.Match(pattern, host); ok {
			return ProfileConstrained
		}
		// "*.ngrok.io" also covers the bare apex
		if strings.HasPrefix(pattern, "*.") && host == pattern[2:] {
			return ProfileConstrained
		}
	}
	return ProfileDirect
}

// ThresholdsFor returns the batch limits for a destination.
func ThresholdsFor(destination string, profiles config.Profiles) config.Thresholds {
	if Classify(destination, profiles) == ProfileConstrained {
		return profiles.Constrained
	}
	return profiles.Direct
}

// Plan scans forward from the session cursor and collects present records
// until the count limit is hit, the next record would push the batch past the
// byte limit, or the session total is reached. Missing records are skipped.
// A single record larger than MaxBytes still forms a batch on its own.
func Plan(ctx context.Context, src FileSource, s *models.UploadSession, limits config.Thresholds) (*Batch, error) {
	b := &Batch{Next: s.Cursor}

	idx := s.Cursor
	for ; idx < s.TotalFiles && len(b.Records) < limits.MaxFiles; idx++ {
		rec, err := src.GetFile(ctx, s.ID, idx)
		if errors.Is(err, storage.ErrNotFound) {
			b.Next = idx + 1
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("planning batch at %d: %w", idx, err)
		}

		if len(b.Records) > 0 && b.Bytes+rec.Size > limits.MaxBytes {
			return b, nil
		}

		b.Records = append(b.Records, rec)
		b.Bytes += rec.Size
		b.Next = idx + 1
	}

	// Absorb trailing gaps so the batch ending the session carries the final flag.
	for ; idx < s.TotalFiles; idx++ {
		_, err := src.GetFile(ctx, s.ID, idx)
		if errors.Is(err, storage.ErrNotFound) {
			b.Next = idx + 1
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("planning batch at %d: %w", idx, err)
		}
		break
	}

	b.Final = b.Next >= s.TotalFiles
	return b, nil
}
