// ingest_server.go - Fake PACS ingestion endpoint for testing
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
)

// IngestRequest is what the fake endpoint saw for one batch request.
type IngestRequest struct {
	Fields    map[string]string
	FileNames []string
	FileSizes []int
	Header    http.Header
}

// Reply scripts one response of the fake endpoint.
type Reply struct {
	Status int
	Body   any    // marshalled as JSON when non-nil
	Raw    string // written verbatim when Body is nil
}

// IngestServer is an httptest server that records multipart batch uploads and
// answers with scripted replies. Once the script is exhausted it reports
// success with processed_files equal to the number of parts received.
type IngestServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []IngestRequest
	script   []Reply
}

// NewIngestServer starts a fake endpoint that is closed when the test ends.
func NewIngestServer(t *testing.T, script ...Reply) *IngestServer {
	t.Helper()
	s := &IngestServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// UploadURL returns the upload endpoint address.
func (s *IngestServer) UploadURL() string {
	return s.Server.URL + "/worklist/upload/"
}

// Push appends replies to the script.
func (s *IngestServer) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, replies...)
}

// Requests returns a copy of every request seen so far.
func (s *IngestServer) Requests() []IngestRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IngestRequest(nil), s.requests...)
}

func (s *IngestServer) handle(w http.ResponseWriter, r *http.Request) {
	req := IngestRequest{Fields: map[string]string{}, Header: r.Header.Clone()}

	if err := r.ParseMultipartForm(64 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				req.Fields[k] = v[0]
			}
		}
		for _, fh := range r.MultipartForm.File["dicom_files"] {
			req.FileNames = append(req.FileNames, fh.Filename)
			f, err := fh.Open()
			if err == nil {
				n, _ := io.Copy(io.Discard, f)
				f.Close()
				req.FileSizes = append(req.FileSizes, int(n))
			}
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply *Reply
	if len(s.script) > 0 {
		reply = &s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reply == nil {
		writeJSON(w, map[string]any{
			"success":         true,
			"processed_files": len(req.FileNames),
		})
		return
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if reply.Body != nil {
		writeJSON(w, reply.Body)
		return
	}
	io.WriteString(w, reply.Raw)
}

func writeJSON(w io.Writer, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	w.Write(data)
}
