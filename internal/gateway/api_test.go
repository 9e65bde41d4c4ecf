// ABOUTME: HTTP tests for the generation API over a live test server
// ABOUTME: Generate, SSE streaming, gates, status, disposal, health

package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelab/forge-gateway/internal/config"
	"github.com/forgelab/forge-gateway/internal/event"
)

func testGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Stream.HeartbeatInterval = 50 * time.Millisecond
	cfg.Pipeline.InputTimeout = 5 * time.Second

	g, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		g.registry.Close()
	})
	return g, srv
}

func startGeneration(t *testing.T, srv *httptest.Server, body string) GenerateResponse {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/generate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SessionID)
	assert.Equal(t, "started", out.Status)
	return out
}

// readSSE consumes the session's SSE feed until stream_end, skipping
// heartbeats. onEvent may respond to gates.
func readSSE(t *testing.T, srv *httptest.Server, sessionID string, onEvent func(ev event.Event)) []event.Event {
	t.Helper()

	resp, err := http.Get(srv.URL + "/api/stream/" + sessionID)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	var events []event.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev event.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		if ev.Type == event.TypeHeartbeat {
			continue
		}

		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Type == event.TypeStreamEnd {
			return events
		}
	}
	t.Fatalf("stream closed before stream_end, got %d events", len(events))
	return nil
}

func TestGenerate_StartsSession(t *testing.T) {
	_, srv := testGateway(t)

	out := startGeneration(t, srv, `{"requirements": "build a prime sieve", "language": "python"}`)
	assert.Equal(t, "/api/stream/"+out.SessionID, out.StreamURL)
}

func TestGenerate_DefaultsIterationBudgetFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Stream.HeartbeatInterval = 50 * time.Millisecond
	cfg.Pipeline.MaxIterations = 1

	g, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		g.registry.Close()
	})

	// No max_iterations in the request: the configured budget of 1 applies,
	// so exactly one scoring iteration happens.
	out := startGeneration(t, srv, `{"requirements": "build a prime sieve"}`)
	readSSE(t, srv, out.SessionID, nil)

	resp, err := http.Get(srv.URL + "/api/status/" + out.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.NotNil(t, st.Result)
	assert.Equal(t, 1, st.Result.Iterations)
}

func TestGenerate_RejectsInvalidBody(t *testing.T) {
	_, srv := testGateway(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"requirements": `},
		{"short requirements", `{"requirements": "hi"}`},
		{"unknown language", `{"requirements": "build a prime sieve", "language": "cobol"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/generate", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStream_DeliversFullConversation(t *testing.T) {
	_, srv := testGateway(t)

	out := startGeneration(t, srv, `{"requirements": "build a prime sieve", "language": "python", "max_iterations": 2}`)
	events := readSSE(t, srv, out.SessionID, nil)

	var types []event.Type
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, event.TypeAgentMessage)
	assert.Contains(t, types, event.TypeQualityScore)
	assert.Contains(t, types, event.TypeCodeOutput)
	assert.Equal(t, event.TypeStreamEnd, types[len(types)-1])
}

func TestStream_UnknownSession(t *testing.T) {
	_, srv := testGateway(t)

	resp, err := http.Get(srv.URL + "/api/stream/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Session not found", body["error"])
}

func TestInput_ConflictWhenNotAwaiting(t *testing.T) {
	_, srv := testGateway(t)

	out := startGeneration(t, srv, `{"requirements": "build a prime sieve"}`)

	// No gates were requested, so input is never expected.
	body := fmt.Sprintf(`{"session_id": %q, "content": "hello"}`, out.SessionID)
	resp, err := http.Post(srv.URL+"/api/input", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInput_UnknownSession(t *testing.T) {
	_, srv := testGateway(t)

	resp, err := http.Post(srv.URL+"/api/input", "application/json",
		strings.NewReader(`{"session_id": "ghost", "content": "hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprove_DrivesReviewGate(t *testing.T) {
	_, srv := testGateway(t)

	out := startGeneration(t, srv, `{"requirements": "build a prime sieve", "review": true}`)

	events := readSSE(t, srv, out.SessionID, func(ev event.Event) {
		if ev.Type != event.TypeInputRequest {
			return
		}
		body := fmt.Sprintf(`{"session_id": %q, "action": "approve"}`, out.SessionID)
		resp, err := http.Post(srv.URL+"/api/approve", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	var sawOutput bool
	for _, ev := range events {
		if ev.Type == event.TypeCodeOutput {
			sawOutput = true
		}
	}
	assert.True(t, sawOutput, "approval should release the final code")
}

func TestApprove_RejectsUnknownAction(t *testing.T) {
	_, srv := testGateway(t)
	out := startGeneration(t, srv, `{"requirements": "build a prime sieve"}`)

	body := fmt.Sprintf(`{"session_id": %q, "action": "maybe"}`, out.SessionID)
	resp, err := http.Post(srv.URL+"/api/approve", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus_ReflectsLifecycleAndResult(t *testing.T) {
	_, srv := testGateway(t)

	out := startGeneration(t, srv, `{"requirements": "build a prime sieve", "max_iterations": 2}`)
	readSSE(t, srv, out.SessionID, nil)

	resp, err := http.Get(srv.URL + "/api/status/" + out.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))

	assert.Equal(t, out.SessionID, st.SessionID)
	assert.Equal(t, "completed", st.Status)
	require.NotNil(t, st.Result, "terminal status must carry the result for late subscribers")
	assert.NotEmpty(t, st.Result.Code)
	assert.Equal(t, "python", st.Result.Language)
}

func TestStatus_UnknownSession(t *testing.T) {
	_, srv := testGateway(t)

	resp, err := http.Get(srv.URL + "/api/status/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispose_RemovesSession(t *testing.T) {
	_, srv := testGateway(t)
	out := startGeneration(t, srv, `{"requirements": "build a prime sieve"}`)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/session/"+out.SessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	status, err := http.Get(srv.URL + "/api/status/" + out.SessionID)
	require.NoError(t, err)
	defer status.Body.Close()
	assert.Equal(t, http.StatusNotFound, status.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, srv := testGateway(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"status":"ok"`)
}
