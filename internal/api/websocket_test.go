package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

func dialProgress(t *testing.T, env *testEnv) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/progress"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return srv, ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func TestProgressSocket_PingPong(t *testing.T) {
	env := newTestEnv(t, false)
	_, ws := dialProgress(t, env)

	assert.Equal(t, MsgTypeConnected, readMessage(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readMessage(t, ws)
	assert.Equal(t, MsgTypePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"upload:init"}`)))
	errMsg := readMessage(t, ws)
	assert.Equal(t, MsgTypeError, errMsg.Type)
	assert.Equal(t, "INVALID_TYPE", errMsg.Code)
}

func TestProgressSocket_StreamsSessionEvents(t *testing.T) {
	env := newTestEnv(t, false)
	srv, ws := dialProgress(t, env)
	require.Equal(t, MsgTypeConnected, readMessage(t, ws).Type)

	body := `{"id":"live","destination":"` + env.ingest.UploadURL() + `","files":[{"name":"a.dcm","data":"` + b64("pixels") + `"}]}`
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var kinds []models.EventKind
	var last *models.Event
	for last == nil || last.Status != models.UploadStatusCompleted {
		msg := readMessage(t, ws)
		require.Equal(t, MsgTypeEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "live", msg.Event.SessionID)
		kinds = append(kinds, msg.Event.Kind)
		last = msg.Event
	}

	assert.Equal(t, []models.EventKind{
		models.EventKindStatus,   // pending
		models.EventKindStatus,   // uploading
		models.EventKindProgress, // batch confirmed
		models.EventKindStatus,   // completed
	}, kinds)
	require.NotNil(t, last.Session)
	assert.Equal(t, 1, last.Session.UploadedFiles)
	assert.Equal(t, int64(6), last.UploadedBytes)
}

func TestProgressSocket_DetachesOnClose(t *testing.T) {
	env := newTestEnv(t, false)
	_, ws := dialProgress(t, env)
	require.Equal(t, MsgTypeConnected, readMessage(t, ws).Type)
	require.Equal(t, 1, env.hub.Len())

	ws.Close()
	assert.Eventually(t, func() bool { return env.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
