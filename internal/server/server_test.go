package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/comigor/botrelay/internal/analysis"
	"github.com/comigor/botrelay/internal/attendee"
	"github.com/comigor/botrelay/internal/config"
	"github.com/comigor/botrelay/internal/history"
	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/ingest"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/session"
	"github.com/comigor/botrelay/internal/signature"
	"github.com/comigor/botrelay/internal/tracker"
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
	logger.L = logger.Discard()
}

type mockAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, sessionID string, fragments []session.Fragment) (*analysis.Result, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, sessionID string, fragments []session.Fragment) (*analysis.Result, error) {
	return m.AnalyzeFunc(ctx, sessionID, fragments)
}

type mockBots struct{}

func (mockBots) Launch(ctx context.Context, meetingURL string) (string, error) {
	return "bot_new", nil
}

func (mockBots) Leave(ctx context.Context, botID string) error {
	return nil
}

func (mockBots) Status(ctx context.Context, botID string) (map[string]any, error) {
	if botID == "gone" {
		return nil, &attendee.APIError{Op: "bot status", Status: http.StatusNotFound, Body: "not found"}
	}
	return map[string]any{"id": botID, "state": "joined_recording"}, nil
}

type fixture struct {
	server   *Server
	registry *session.Registry
	hub      *hub.Hub
	demoDir  string
}

func newFixture(t *testing.T, analyzer Analyzer, trackerOpts ...tracker.Option) *fixture {
	t.Helper()
	h := hub.New(16)
	t.Cleanup(h.Close)
	reg := session.NewRegistry(session.WithCapacity(10), session.WithPublisher(h))

	demoDir := t.TempDir()
	trackerOpts = append(trackerOpts, tracker.WithDemoDir(demoDir))

	srv := New(
		config.ServerConfig{Host: "127.0.0.1", Port: "0", KeepAlive: time.Second},
		config.WebhookConfig{Header: "X-Webhook-Signature"},
		Deps{
			Tracker:  tracker.New(reg, h, trackerOpts...),
			Pipeline: ingest.NewPipeline(testSecret, reg),
			Analyzer: analyzer,
			History:  history.Open(""),
		},
	)
	return &fixture{server: srv, registry: reg, hub: h, demoDir: demoDir}
}

func (f *fixture) do(method, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) webhook(body string) *httptest.ResponseRecorder {
	sig := signature.Sign([]byte(body), testSecret)
	return f.do(http.MethodPost, "/webhook", body, map[string]string{"X-Webhook-Signature": sig})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, nil)

	w := f.webhook(`{"trigger":"bot.state_change","bot_id":"abc","data":{"new_state":"joined_recording"},"timestamp":100}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())

	w = f.do(http.MethodGet, "/api/sessions/abc/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "joined_recording", decode(t, w)["state"])

	w = f.webhook(`{"trigger":"transcript.update","bot_id":"abc","data":{"timestamp_ms":5,"speaker_name":"Ann","transcription":{"transcript":"hi"}}}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_Errors(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"trigger":"bot.state_change","bot_id":"abc","data":{"new_state":"joining"}}`
	w := f.do(http.MethodPost, "/webhook", body, map[string]string{"X-Webhook-Signature": signature.Sign([]byte("other"), testSecret)})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotContains(t, w.Body.String(), string(testSecret))
	require.Zero(t, f.registry.Len())

	w = f.do(http.MethodPost, "/webhook", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.webhook(`{"trigger":"bot.state_change","bot_id":"abc","data":{}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decode(t, w)
	require.Equal(t, "malformed_payload", out["error"])
	require.NotEmpty(t, out["reason"])

	w = f.webhook(`{"trigger":"transcript.update","bot_id":"ghost","data":{"timestamp_ms":1}}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "unknown_session", decode(t, w)["error"])
}

func TestPullEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.registry.GetOrCreate("b1")
	for _, ts := range []int64{10, 20, 30} {
		s.Append(session.Fragment{TimestampMs: ts, Speaker: "Ann", Text: "x"})
	}

	w := f.do(http.MethodGet, "/api/sessions/b1/transcripts?since=15", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var lines []session.Transcript
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lines))
	require.Len(t, lines, 2)

	w = f.do(http.MethodGet, "/api/sessions/b1/transcripts?since=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/sessions/b1/reconcile?since=20", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec session.Reconciliation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Len(t, rec.Transcripts, 1)
	require.EqualValues(t, 30, rec.Watermark)
	require.Equal(t, session.StateReady, rec.Status.State)

	w = f.do(http.MethodGet, "/api/sessions/b1/conversation", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3, decode(t, w)["transcript_count"])

	w = f.do(http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["sessions"], 1)

	w = f.do(http.MethodGet, "/api/sessions/nope/status", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLaunchAndLeave(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/launch", `{"meeting_url":"https://meet.example/x"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newFixture(t, nil, tracker.WithBotController(mockBots{}))
	w = f.do(http.MethodPost, "/api/launch", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/launch", `{"meeting_url":"https://meet.example/x"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "bot_new", decode(t, w)["bot_id"])
	_, err := f.registry.Get("bot_new")
	require.NoError(t, err)

	w = f.do(http.MethodPost, "/api/leave/bot_new", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBotStatus(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/bots/bot_1", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newFixture(t, nil, tracker.WithBotController(mockBots{}))
	w = f.do(http.MethodGet, "/api/bots/bot_1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "bot_1", body["id"])
	require.Equal(t, "joined_recording", body["state"])

	w = f.do(http.MethodGet, "/api/bots/gone", "", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAnalyzeArchivesResult(t *testing.T) {
	f := newFixture(t, &mockAnalyzer{
		AnalyzeFunc: func(ctx context.Context, sessionID string, fragments []session.Fragment) (*analysis.Result, error) {
			if len(fragments) == 0 {
				return nil, analysis.ErrEmptyConversation
			}
			return &analysis.Result{
				SessionID: sessionID,
				Model:     "mock",
				Fragments: len(fragments),
				CreatedAt: time.Now().UTC(),
				Data:      map[string]any{"summary": "short"},
			}, nil
		},
	})

	w := f.do(http.MethodPost, "/api/analyze/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	s, _ := f.registry.GetOrCreate("b1")
	w = f.do(http.MethodPost, "/api/analyze/b1", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	s.Append(session.Fragment{TimestampMs: 1, Speaker: "Ann", Text: "hello"})
	w = f.do(http.MethodPost, "/api/analyze/b1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "b1", out["bot_id"])
	require.Equal(t, map[string]any{"summary": "short"}, out["analysis"])

	w = f.do(http.MethodGet, "/api/analyses/b1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var archived struct {
		Analyses []history.Record `json:"analyses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &archived))
	require.Len(t, archived.Analyses, 1)
	require.JSONEq(t, `{"summary":"short"}`, string(archived.Analyses[0].Analysis))
}

func TestAnalyzeNotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.GetOrCreate("b1")
	w := f.do(http.MethodPost, "/api/analyze/b1", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDemoEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.demoDir, "standup.txt"), []byte("Ann: status?\nBob: done\n"), 0o644))

	w := f.do(http.MethodGet, "/api/demo/list", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []any{"standup.txt"}, decode(t, w)["files"])

	w = f.do(http.MethodPost, "/api/demo/load/demo_bot", `{"filename":"standup.txt"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2, decode(t, w)["lines"])

	w = f.do(http.MethodPost, "/api/demo/load/demo_bot", `{"filename":"missing.txt"}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.webhook(`{"trigger":"bot.state_change","bot_id":"m1","data":{"new_state":"joining"}}`)

	w := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode(t, w)["status"])

	w = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "botrelay_ingest_events_total")
}

func readEvent(t *testing.T, r *bufio.Reader) hub.Notification {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var n hub.Notification
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n))
		return n
	}
}

func TestStream_ReplayThenLive(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.registry.GetOrCreate("b1")
	_, err := s.ApplyTransition(session.StateJoinedRecording, 5)
	require.NoError(t, err)
	s.Append(session.Fragment{TimestampMs: 10, Speaker: "Ann", Text: "old"})
	s.Append(session.Fragment{TimestampMs: 20, Speaker: "Ann", Text: "missed"})

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?session_id=b1&since=10", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	n := readEvent(t, r)
	require.Equal(t, hub.TypeStatus, n.Type)
	require.Equal(t, "joined_recording", n.Payload.(map[string]any)["state"])

	n = readEvent(t, r)
	require.Equal(t, hub.TypeTranscript, n.Type)
	require.Equal(t, "missed", n.Payload.(map[string]any)["text"])

	s.Append(session.Fragment{TimestampMs: 30, Speaker: "Bob", Text: "live"})
	n = readEvent(t, r)
	require.Equal(t, "b1", n.SessionID)
	require.Equal(t, "live", n.Payload.(map[string]any)["text"])

	cancel()
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_KeepAlive(t *testing.T) {
	f := newFixture(t, nil)
	f.server.cfg.KeepAlive = 20 * time.Millisecond

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix([]byte(line), []byte(": keep-alive")))
}
