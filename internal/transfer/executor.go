// Package transfer delivers planned batches to the remote ingestion endpoint.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/logger"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/planner"
)

var log = logger.For("Transfer")

// Multipart field names understood by the ingestion endpoint.
const (
	FieldGroupToken  = "upload_session_id"
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
	FieldFinalize    = "finalize"
	FieldFiles       = "dicom_files"

	// TotalChunksSentinel is sent instead of a real count; the endpoint only
	// needs a value larger than any chunk index.
	TotalChunksSentinel = 999999

	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// IsReservedField reports whether name is a form field the executor sets
// itself. Options under these names are never sent.
func IsReservedField(name string) bool {
	switch name {
	case FieldGroupToken, FieldChunkIndex, FieldTotalChunks, FieldFinalize, FieldFiles:
		return true
	}
	return false
}

// Options configures an Executor.
type Options struct {
	MaxAttempts       int
	BaseDelay         time.Duration // 0 retries without waiting; negative uses DefaultBaseDelay
	RequestsPerSecond float64       // 0 disables pacing
	AuthHeader        string
	Cookie            string
	Client            *http.Client
}

// Executor sends one batch per request with bounded retries.
type Executor struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor, filling unset options with defaults.
func NewExecutor(opts Options) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient(DefaultTimeout, false)
	}

	e := &Executor{
		client: opts.Client,
		opts:   opts,
		sleep:  sleepContext,
	}
	if opts.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return e
}

// Response is the structured body returned by the ingestion endpoint.
type Response struct {
	Success         bool   `json:"success"`
	ImagesUploaded  *int   `json:"images_uploaded,omitempty"`
	ProcessedFiles  *int   `json:"processed_files,omitempty"`
	StudiesCreated  int    `json:"studies_created"`
	TotalSeries     int    `json:"total_series"`
	CreatedStudyIDs []any  `json:"created_study_ids"`
	Error           string `json:"error,omitempty"`
	Details         string `json:"details,omitempty"`
}

// Result is a confirmed delivery.
type Result struct {
	Response
	Attempts int
}

// Files returns the server-reported file count, falling back to requested
// when the server sent none or a negative one.
func (r *Result) Files(requested int) int {
	if r.ImagesUploaded != nil && *r.ImagesUploaded >= 0 {
		return *r.ImagesUploaded
	}
	if r.ProcessedFiles != nil && *r.ProcessedFiles >= 0 {
		return *r.ProcessedFiles
	}
	return requested
}

// GroupIDs returns the created study ids as strings.
func (r *Result) GroupIDs() []string {
	ids := make([]string, 0, len(r.CreatedStudyIDs))
	for _, v := range r.CreatedStudyIDs {
		switch id := v.(type) {
		case float64:
			ids = append(ids, strconv.FormatFloat(id, 'f', -1, 64))
		case string:
			ids = append(ids, id)
		default:
			ids = append(ids, fmt.Sprint(id))
		}
	}
	return ids
}

// DeliveryError reports that every attempt for a batch failed.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send delivers the batch, retrying failed attempts with exponential backoff.
// A cancelled context is returned as-is rather than as a DeliveryError.
func (e *Executor) Send(ctx context.Context, s *models.UploadSession, b *planner.Batch) (*Result, error) {
	body, contentType, err := encodeBatch(s, b)
	if err != nil {
		return nil, fmt.Errorf("encoding batch %d: %w", s.BatchSequence, err)
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.opts.BaseDelay * time.Duration(1<<(attempt-2))
			log.Warn("retrying batch", "session", s.ID, "batch", s.BatchSequence, "attempt", attempt, "delay", delay, "err", lastErr)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := e.attempt(ctx, s, body, contentType)
		if err == nil {
			log.Info("batch delivered", "session", s.ID, "batch", s.BatchSequence, "files", b.Len(), "bytes", b.Bytes, "final", b.Final, "attempt", attempt)
			return &Result{Response: *resp, Attempts: attempt}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	log.Error("batch exhausted retries", "session", s.ID, "batch", s.BatchSequence, "attempts", e.opts.MaxAttempts, "err", lastErr)
	return nil, &DeliveryError{Attempts: e.opts.MaxAttempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, s *models.UploadSession, body []byte, contentType string) (*Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Destination, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if e.opts.AuthHeader != "" {
		req.Header.Set("Authorization", e.opts.AuthHeader)
	}
	if e.opts.Cookie != "" {
		req.Header.Set("Cookie", e.opts.Cookie)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send upload request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var out Response
	decodeErr := sonic.Unmarshal(raw, &out)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, describe(&out))
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(raw))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("invalid response body: %w", decodeErr)
	}
	if !out.Success {
		return nil, errors.New("upload rejected: " + describe(&out))
	}
	return &out, nil
}

// encodeBatch builds the multipart body once so retries resend identical bytes.
func encodeBatch(s *models.UploadSession, b *planner.Batch) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{FieldGroupToken, s.GroupToken},
		{FieldChunkIndex, strconv.Itoa(s.BatchSequence)},
		{FieldTotalChunks, strconv.Itoa(TotalChunksSentinel)},
	}
	if b.Final {
		fields = append(fields, [2]string{FieldFinalize, "1"})
	}

	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if IsReservedField(k) {
			continue
		}
		fields = append(fields, [2]string{k, s.Options[k]})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, rec := range b.Records {
		part, err := w.CreateFormFile(FieldFiles, rec.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(rec.Payload); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func describe(r *Response) string {
	msg := r.Error
	if msg == "" {
		msg = "unknown error"
	}
	if r.Details != "" {
		msg += " (" + r.Details + ")"
	}
	return msg
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
