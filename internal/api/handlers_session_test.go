// handlers_session_test.go - Tests for session handlers
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/config"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/notify"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/testutil"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/transfer"
	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/upload"
)

type testEnv struct {
	e      *echo.Echo
	mgr    *upload.Manager
	store  *testutil.MemoryStore
	ingest *testutil.IngestServer
	hub    *notify.Hub
}

func newTestEnv(t *testing.T, allowDeletion bool) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  testutil.NewMemoryStore(),
		ingest: testutil.NewIngestServer(t),
		hub:    notify.NewHub(),
	}
	exec := transfer.NewExecutor(transfer.Options{BaseDelay: 0})
	env.mgr = upload.NewManager(env.store, exec, env.hub, config.DefaultProfiles())
	t.Cleanup(env.mgr.Wait)

	env.e = echo.New()
	SetupMiddleware(env.e, MiddlewareOptions{})
	RegisterRoutes(env.e, NewHandlers(&Dependencies{
		Sessions:      env.mgr,
		Hub:           env.hub,
		Version:       "test",
		AllowDeletion: allowDeletion,
	}))
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := sonic.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return env.do(req)
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestSessionHandler_EnqueueJSON(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.postJSON(t, "/api/sessions", enqueueRequest{
		ID:          "json-1",
		Destination: env.ingest.UploadURL(),
		Options:     map[string]string{"priority": "urgent", "facility_id": "7"},
		Files: []enqueueFileRequest{
			{Name: "a.dcm", Data: b64("first")},
			{Name: "b.dcm", Data: b64("second")},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.UploadSession
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "json-1", created.ID)
	assert.Equal(t, 2, created.TotalFiles)
	assert.Equal(t, int64(11), created.TotalBytes)

	env.mgr.Wait()

	s, err := env.mgr.GetSession(context.Background(), "json-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, s.Status)

	reqs := env.ingest.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"a.dcm", "b.dcm"}, reqs[0].FileNames)
	assert.Equal(t, "urgent", reqs[0].Fields["priority"])
	assert.Equal(t, "1", reqs[0].Fields[transfer.FieldFinalize])
	assert.Equal(t, created.GroupToken, reqs[0].Fields[transfer.FieldGroupToken])
}

func TestSessionHandler_EnqueueMultipart(t *testing.T) {
	env := newTestEnv(t, false)

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	writer.WriteField(formDestination, env.ingest.UploadURL())
	writer.WriteField(formGroupToken, "study-batch-42")
	writer.WriteField(formOptions, `{"assign_to_me":"1"}`)
	for _, name := range []string{"IMG1.dcm", "IMG2.dcm", "IMG3.dcm"} {
		part, _ := writer.CreateFormFile(formFiles, name)
		part.Write([]byte("DICM"))
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.UploadSession
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "study-batch-42", created.GroupToken)
	assert.Equal(t, map[string]string{"assign_to_me": "1"}, created.Options)

	env.mgr.Wait()

	reqs := env.ingest.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "study-batch-42", reqs[0].Fields[transfer.FieldGroupToken])
	assert.Equal(t, "1", reqs[0].Fields["assign_to_me"])
	assert.Equal(t, []int{4, 4, 4}, reqs[0].FileSizes)
}

func TestSessionHandler_EnqueueErrors(t *testing.T) {
	tests := []struct {
		name       string
		request    enqueueRequest
		wantStatus int
		errCode    string
	}{
		{
			name:       "missing destination",
			request:    enqueueRequest{Files: []enqueueFileRequest{{Name: "a.dcm", Data: b64("x")}}},
			wantStatus: http.StatusBadRequest,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name:       "non http destination",
			request:    enqueueRequest{Destination: "ftp://pacs.local/upload"},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "relative destination",
			request:    enqueueRequest{Destination: "/worklist/upload/"},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name: "invalid base64",
			request: enqueueRequest{
				Destination: "http://pacs.local/worklist/upload/",
				Files:       []enqueueFileRequest{{Name: "a.dcm", Data: "not-valid-base64!!!"}},
			},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name: "reserved option name",
			request: enqueueRequest{
				Destination: "http://pacs.local/worklist/upload/",
				Options:     map[string]string{"finalize": "1"},
			},
			wantStatus: http.StatusBadRequest,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name: "unnamed file",
			request: enqueueRequest{
				Destination: "http://pacs.local/worklist/upload/",
				Files:       []enqueueFileRequest{{Data: b64("x")}},
			},
			wantStatus: http.StatusBadRequest,
			errCode:    "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			rec := env.postJSON(t, "/api/sessions", tt.request)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.errCode, decodeAPIError(t, rec).Code)

			ids, _ := env.store.ListSessionIDs(context.Background())
			assert.Empty(t, ids)
		})
	}
}

func TestSessionHandler_EnqueueMalformedJSON(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewBufferString(`{"destination":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeAPIError(t, rec).Code)
}

func TestSessionHandler_EnqueueDuplicate(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.SeedSession("dup", env.ingest.UploadURL(), 0, 0)

	rec := env.postJSON(t, "/api/sessions", enqueueRequest{ID: "dup", Destination: env.ingest.UploadURL()})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decodeAPIError(t, rec).Code)
}

func TestSessionHandler_GetSession(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.SeedSession("s1", env.ingest.UploadURL(), 2, 8)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.UploadSession
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, models.UploadStatusPending, got.Status)
	assert.Equal(t, int64(16), got.TotalBytes)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	req.Header.Set(echo.HeaderAccept, mimeMsgpack)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mimeMsgpack, rec.Header().Get(echo.HeaderContentType))
	var packed models.UploadSession
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &packed))
	assert.Equal(t, "group-s1", packed.GroupToken)
	assert.Equal(t, 2, packed.TotalFiles)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)
}

func TestSessionHandler_ListSessions(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	env.store.SeedSession("first", env.ingest.UploadURL(), 1, 1)
	env.store.SeedSession("second", env.ingest.UploadURL(), 1, 1)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	var got []models.UploadSession
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)
}

func TestSessionHandler_Start(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.SeedSession("s1", env.ingest.UploadURL(), 3, 10)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/sessions/s1/start", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"from":"pending"`)

	env.mgr.Wait()
	s, _ := env.mgr.GetSession(context.Background(), "s1")
	assert.Equal(t, models.UploadStatusCompleted, s.Status)
	assert.Equal(t, 3, s.UploadedFiles)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/sessions/nope/start", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_Sweep(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.SeedSession("a", env.ingest.UploadURL(), 2, 4)
	env.store.SeedSession("b", env.ingest.UploadURL(), 1, 4)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/sessions/sweep", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	env.mgr.Wait()
	for _, id := range []string{"a", "b"} {
		s, err := env.mgr.GetSession(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusCompleted, s.Status, id)
	}
	assert.Len(t, env.ingest.Requests(), 2)
}

func TestSessionHandler_Delete(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.store.SeedSession("s1", env.ingest.UploadURL(), 1, 1)

		rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "FORBIDDEN", decodeAPIError(t, rec).Code)

		_, err := env.mgr.GetSession(context.Background(), "s1")
		assert.NoError(t, err)
	})

	t.Run("enabled", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.store.SeedSession("s1", env.ingest.UploadURL(), 2, 1)

		rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, env.store.FileIndices("s1"))

		rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
