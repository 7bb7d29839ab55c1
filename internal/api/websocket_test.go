package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/services"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 读取消息直到 match 返回 true
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestSessionWebSocketIntents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	st := env.createSession(t, StartSessionRequest{Mode: models.ModeScript, ScriptID: "knight"})
	conn := dialWS(t, srv, "/ws/sessions/"+st.ID)

	first := readUntil(t, conn, func(m wsMessage) bool { return m.Type == services.EventState })
	require.NotNil(t, first.State)
	assert.Equal(t, "花园里开满了蔷薇。", first.State.Scene.Narrative)

	require.NoError(t, conn.WriteJSON(wsIntent{Action: "advance"}))
	msg := readUntil(t, conn, func(m wsMessage) bool { return m.Type == services.EventChoices })
	assert.True(t, msg.State.ChoicesVisible)

	require.NoError(t, conn.WriteJSON(wsIntent{Action: "choice", Index: 7}))
	msg = readUntil(t, conn, func(m wsMessage) bool { return m.Type == services.EventError })
	assert.Contains(t, msg.Error, "越界")

	require.NoError(t, conn.WriteJSON(wsIntent{Action: "ping"}))
	readUntil(t, conn, func(m wsMessage) bool { return m.Type == "pong" })

	require.NoError(t, conn.WriteJSON(wsIntent{Action: "dance"}))
	msg = readUntil(t, conn, func(m wsMessage) bool { return m.Type == services.EventError })
	assert.Contains(t, msg.Error, "dance")

	assert.Equal(t, 1, env.handler.Hub().Count())
}

func TestSessionWebSocketClosesWithSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	st := env.createSession(t, nil)
	conn := dialWS(t, srv, "/ws/sessions/"+st.ID)
	readUntil(t, conn, func(m wsMessage) bool { return m.Type == services.EventState })

	code, _ := env.do(t, http.MethodDelete, "/api/sessions/"+st.ID, nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressWebSocketStreamsUntilDone(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	code, resp := env.do(t, http.MethodPost, "/api/preload/preset_tsundere", nil)
	require.Equal(t, http.StatusAccepted, code)
	task := decode[struct {
		TaskID string `json:"taskId"`
	}](t, resp.Data)

	conn := dialWS(t, srv, "/ws/progress/"+task.TaskID)
	msg := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "progress" })
	require.NotNil(t, msg.Progress)
	assert.Equal(t, services.TaskRunning, msg.Progress.Status)

	close(env.release)

	last := readUntil(t, conn, func(m wsMessage) bool {
		return m.Progress != nil && m.Progress.Status != services.TaskRunning
	})
	assert.Equal(t, services.TaskCompleted, last.Progress.Status)
	assert.Equal(t, 100, last.Progress.Progress)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
