package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	agentctx "loom/internal/context"
	"loom/internal/gateway/rpc"
	"loom/internal/storage"
)

// dispatch sends one request through the RPC dispatcher, as the
// websocket read pump would.
func (env *testEnv) dispatch(method string, params rpc.Params) *rpc.Response {
	return env.srv.Dispatcher().Dispatch(context.Background(), "e2e-conn", &rpc.Request{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
	})
}

// call dispatches one request and requires success.
func (env *testEnv) call(t *testing.T, method string, params rpc.Params) *rpc.Response {
	t.Helper()
	resp := env.dispatch(method, params)
	require.NotNil(t, resp)
	require.True(t, resp.Success, "%s failed: %+v", method, resp.Error)
	return resp
}

// callErr dispatches one request and requires failure.
func (env *testEnv) callErr(t *testing.T, method string, params rpc.Params) *rpc.Error {
	t.Helper()
	resp := env.dispatch(method, params)
	require.NotNil(t, resp)
	require.False(t, resp.Success, "%s unexpectedly succeeded", method)
	require.NotNil(t, resp.Error)
	return resp.Error
}

// decode round-trips a result into target through JSON, the same
// serialization a websocket client sees.
func decode(t *testing.T, resp *rpc.Response, target any) {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target))
}

// createSession makes a session on the given model and returns its row.
func (env *testEnv) createSession(t *testing.T, model string) *storage.Session {
	t.Helper()
	params := rpc.Params{}
	if model != "" {
		params["model"] = model
	}
	var sess storage.Session
	decode(t, env.call(t, "session.create", params), &sess)
	require.NotEmpty(t, sess.ID)
	return &sess
}

// prompt submits one turn and returns once it is queued.
func (env *testEnv) prompt(t *testing.T, sessionID, text string) {
	t.Helper()
	env.call(t, "agent.prompt", rpc.Params{"sessionId": sessionID, "prompt": text})
}

// waitSettled blocks until the session row counts wantMessages
// conversation events with nothing running or queued. The row refresh
// is a turn's last step, so reaching the count means the turn finished.
func (env *testEnv) waitSettled(t *testing.T, sessionID string, wantMessages int) {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := env.db.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		st, err := env.orc.GetState(context.Background(), sessionID)
		if err != nil {
			return false
		}
		return row.MessageCount >= wantMessages && !st.IsRunning && st.PendingTurns == 0
	}, 5*time.Second, 10*time.Millisecond, "turn did not settle")
}

// waitIdle blocks until nothing is running or queued for the session.
func (env *testEnv) waitIdle(t *testing.T, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := env.orc.GetState(context.Background(), sessionID)
		return err == nil && !st.IsRunning && st.PendingTurns == 0
	}, 5*time.Second, 10*time.Millisecond, "session did not go idle")
}

// snapshot fetches the context usage projection over RPC.
func (env *testEnv) snapshot(t *testing.T, sessionID string) agentctx.Snapshot {
	t.Helper()
	var snap agentctx.Snapshot
	decode(t, env.call(t, "context.getSnapshot", rpc.Params{"sessionId": sessionID}), &snap)
	return snap
}

// history fetches the session's event log over RPC, oldest first.
func (env *testEnv) history(t *testing.T, sessionID string) []*storage.Event {
	t.Helper()
	var out struct {
		Events []*storage.Event `json:"events"`
	}
	decode(t, env.call(t, "events.getHistory", rpc.Params{"sessionId": sessionID}), &out)
	return out.Events
}

// eventsOfType filters events by type, preserving order.
func eventsOfType(events []*storage.Event, typ storage.EventType) []*storage.Event {
	var out []*storage.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// listen exposes the gateway router on a real listener and returns its
// base URL.
func (env *testEnv) listen(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(env.srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

// dialWS opens a websocket against a listening gateway.
func dialWS(t *testing.T, baseURL string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	sock, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

// wsFrame is any frame the server writes: responses carry an id, pushed
// events carry a type.
type wsFrame struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *rpc.Error      `json:"error"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// readResponse reads frames until the response for id arrives, skipping
// pushed events, and requires success.
func readResponse(t *testing.T, sock *gws.Conn, id string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, sock.SetReadDeadline(deadline))
		var frame wsFrame
		require.NoError(t, sock.ReadJSON(&frame), "waiting for response %s", id)
		if frame.ID != id {
			continue
		}
		require.True(t, frame.Success, "%s failed: %+v", id, frame.Error)
		return frame.Result
	}
}

// readEvent reads frames until a pushed event of the wanted type
// arrives, skipping everything else.
func readEvent(t *testing.T, sock *gws.Conn, wantType string) *wsFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, sock.SetReadDeadline(deadline))
		var frame wsFrame
		require.NoError(t, sock.ReadJSON(&frame), "waiting for event %s", wantType)
		if frame.ID != "" || frame.Type != wantType {
			continue
		}
		return &frame
	}
}

// waitTurnStatus reads agent.turn events until one carries the wanted
// status.
func waitTurnStatus(t *testing.T, sock *gws.Conn, want string) {
	t.Helper()
	for {
		frame := readEvent(t, sock, "agent.turn")
		var ev struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(frame.Data, &ev))
		if ev.Status == want {
			return
		}
	}
}
