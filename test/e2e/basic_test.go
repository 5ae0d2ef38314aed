package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/gateway/rpc"
	"loom/internal/provider"
	"loom/internal/storage"
)

func TestHealthAndInfoEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rr = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "loom", info["name"])
	assert.Equal(t, "e2e", info["version"])
}

func TestSessionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "")

	rr := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var out struct {
		Sessions []*storage.Session `json:"sessions"`
		Count    int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, sess.ID, out.Sessions[0].ID)
}

func TestPingAndGetInfo(t *testing.T) {
	env := newTestEnv(t)

	var pong map[string]any
	decode(t, env.call(t, "system.ping", nil), &pong)
	assert.Equal(t, true, pong["pong"])

	var info map[string]any
	decode(t, env.call(t, "system.getInfo", nil), &info)
	assert.Equal(t, "loom", info["name"])
	assert.Equal(t, protocolRange, info["protocol"])
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)

	rpcErr := env.callErr(t, "no.such.method", nil)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)

	req := &rpc.Request{
		ID:             "create-1",
		Method:         "session.create",
		IdempotencyKey: "key-1",
	}
	first := env.srv.Dispatcher().Dispatch(context.Background(), "e2e-conn", req)
	require.True(t, first.Success)
	second := env.srv.Dispatcher().Dispatch(context.Background(), "e2e-conn", req)
	require.True(t, second.Success)

	var a, b storage.Session
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, a.ID, b.ID, "replay must not create a second session")

	sessions, err := env.orc.ListSessions(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

// TestTurnOverWebSocket drives a complete turn through a real socket:
// identify, create, prompt, then the streamed events.
func TestTurnOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	sock := dialWS(t, env.listen(t))

	require.NoError(t, sock.WriteJSON(rpc.Request{
		ID:     "identify",
		Method: "client.identify",
		Params: rpc.Params{"clientName": "e2e", "protocolVersion": "1.2.0"},
	}))
	readResponse(t, sock, "identify")

	require.NoError(t, sock.WriteJSON(rpc.Request{ID: "create", Method: "session.create"}))
	var sess storage.Session
	require.NoError(t, json.Unmarshal(readResponse(t, sock, "create"), &sess))

	env.anthropic.Enqueue(provider.TextScript(provider.Usage{InputTokens: 12, OutputTokens: 3}, "hel", "lo")...)
	require.NoError(t, sock.WriteJSON(rpc.Request{
		ID:     "prompt",
		Method: "agent.prompt",
		Params: rpc.Params{"sessionId": sess.ID, "prompt": "hi"},
	}))

	// The ack and the streamed events share the write queue, so their
	// relative order is not fixed. Read until the turn completes.
	var sawAck, sawDelta, completed bool
	deadline := time.Now().Add(5 * time.Second)
	for !completed {
		require.NoError(t, sock.SetReadDeadline(deadline))
		var frame wsFrame
		require.NoError(t, sock.ReadJSON(&frame), "waiting for turn to complete")
		switch {
		case frame.ID == "prompt":
			require.True(t, frame.Success, "prompt failed: %+v", frame.Error)
			sawAck = true
		case frame.Type == "agent.text_delta":
			assert.Equal(t, sess.ID, frame.SessionID)
			sawDelta = true
		case frame.Type == "agent.turn":
			var ev struct {
				Status string `json:"status"`
			}
			require.NoError(t, json.Unmarshal(frame.Data, &ev))
			completed = ev.Status == "completed"
		}
	}
	assert.True(t, sawAck, "prompt ack never arrived")
	assert.True(t, sawDelta, "no text delta arrived")

	env.waitSettled(t, sess.ID, 2)
	assert.Equal(t, 12, env.snapshot(t, sess.ID).CurrentTokens)
}
