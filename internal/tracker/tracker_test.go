package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/session"
)

type mockBots struct {
	LaunchFunc func(ctx context.Context, meetingURL string) (string, error)
	LeaveFunc  func(ctx context.Context, botID string) error
	StatusFunc func(ctx context.Context, botID string) (map[string]any, error)
}

func (m *mockBots) Launch(ctx context.Context, meetingURL string) (string, error) {
	return m.LaunchFunc(ctx, meetingURL)
}

func (m *mockBots) Leave(ctx context.Context, botID string) error {
	return m.LeaveFunc(ctx, botID)
}

func (m *mockBots) Status(ctx context.Context, botID string) (map[string]any, error) {
	return m.StatusFunc(ctx, botID)
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *session.Registry, *hub.Hub) {
	t.Helper()
	h := hub.New(16)
	t.Cleanup(h.Close)
	reg := session.NewRegistry(session.WithCapacity(5), session.WithPublisher(h))
	return New(reg, h, opts...), reg, h
}

func TestStatusForUnseenSessionCreatedByStateEvent(t *testing.T) {
	tr, reg, _ := newTestTracker(t)

	_, err := tr.GetStatus("abc")
	require.ErrorIs(t, err, session.ErrUnknownSession)

	s, _ := reg.GetOrCreate("abc")
	_, err = s.ApplyTransition(session.StateJoining, 10)
	require.NoError(t, err)

	st, err := tr.GetStatus("abc")
	require.NoError(t, err)
	require.Equal(t, session.StateJoining, st.State)
	require.Len(t, tr.List(), 1)
}

func TestTranscriptsAndReconcile(t *testing.T) {
	tr, reg, _ := newTestTracker(t)
	s, _ := reg.GetOrCreate("b1")
	for _, ts := range []int64{10, 20, 30} {
		s.Append(session.Fragment{TimestampMs: ts, Speaker: "A", Text: "x"})
	}

	got, err := tr.GetTranscripts("b1", 15)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 20, got[0].TimestampMs)

	rec, err := tr.Reconcile("b1", 0)
	require.NoError(t, err)
	require.Len(t, rec.Transcripts, 3)
	require.EqualValues(t, 30, rec.Watermark)

	snap, err := tr.Snapshot("b1")
	require.NoError(t, err)
	require.Len(t, snap, 3)

	conv, err := tr.ConversationStatus("b1")
	require.NoError(t, err)
	require.True(t, conv.HasData)
	require.Equal(t, 5, conv.Capacity)

	_, err = tr.Reconcile("nope", 0)
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestSubscribeReceivesPublishedUpdates(t *testing.T) {
	tr, reg, _ := newTestTracker(t)
	sub := tr.Subscribe("b1")
	defer sub.Close()

	s, _ := reg.GetOrCreate("b1")
	s.Append(session.Fragment{TimestampMs: 1, Speaker: "A", Text: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeTranscript, n.Type)
	require.Equal(t, "b1", n.SessionID)
}

func TestLaunchAndLeave(t *testing.T) {
	var left string
	bots := &mockBots{
		LaunchFunc: func(ctx context.Context, meetingURL string) (string, error) {
			require.Equal(t, "https://meet.example/x", meetingURL)
			return "bot_7", nil
		},
		LeaveFunc: func(ctx context.Context, botID string) error {
			left = botID
			return nil
		},
	}
	tr, reg, _ := newTestTracker(t, WithBotController(bots))

	id, err := tr.Launch(context.Background(), "https://meet.example/x")
	require.NoError(t, err)
	require.Equal(t, "bot_7", id)
	_, err = reg.Get("bot_7")
	require.NoError(t, err)

	require.NoError(t, tr.Leave(context.Background(), "bot_7"))
	require.Equal(t, "bot_7", left)

	st, err := tr.GetStatus("bot_7")
	require.NoError(t, err)
	require.Equal(t, session.StateReady, st.State, "leave does not end the session by itself")
}

func TestLaunchErrors(t *testing.T) {
	tr, reg, _ := newTestTracker(t)
	_, err := tr.Launch(context.Background(), "u")
	require.ErrorIs(t, err, ErrNoBotControl)

	boom := errors.New("provider down")
	tr, reg, _ = newTestTracker(t, WithBotController(&mockBots{
		LaunchFunc: func(context.Context, string) (string, error) { return "", boom },
	}))
	_, err = tr.Launch(context.Background(), "u")
	require.ErrorIs(t, err, boom)
	require.Zero(t, reg.Len())
}

func TestBotStatus(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	_, err := tr.BotStatus(context.Background(), "bot_1")
	require.ErrorIs(t, err, ErrNoBotControl)

	tr, reg, _ := newTestTracker(t, WithBotController(&mockBots{
		StatusFunc: func(_ context.Context, botID string) (map[string]any, error) {
			return map[string]any{"id": botID, "state": "joined_recording"}, nil
		},
	}))
	st, err := tr.BotStatus(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, "bot_1", st["id"])
	require.Zero(t, reg.Len(), "asking the provider does not create a session")
}

func TestLoadDemo(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	tr, _, _ := newTestTracker(t, WithClock(func() time.Time { return now }))

	n, err := tr.LoadDemo("demo", strings.NewReader("Alice: hello there\n\nBob: hi: all\nno speaker line\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	snap, err := tr.Snapshot("demo")
	require.NoError(t, err)
	require.Equal(t, []session.Fragment{
		{SessionID: "demo", TimestampMs: 1_000_000, Speaker: "Alice", Text: "hello there", Confidence: 1},
		{SessionID: "demo", TimestampMs: 1_002_000, Speaker: "Bob", Text: "hi: all", Confidence: 1},
		{SessionID: "demo", TimestampMs: 1_003_000, Speaker: "Demo", Text: "no speaker line", Confidence: 1},
	}, snap)
}

func TestDemoFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("A: one\nB: two\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A: x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("#"), 0o644))

	tr, _, _ := newTestTracker(t, WithDemoDir(dir))
	files, err := tr.DemoFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b.txt"}, files)

	n, err := tr.LoadDemoFile("d1", "../../b.txt")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = tr.LoadDemoFile("d1", "missing.txt")
	require.ErrorIs(t, err, ErrDemoNotFound)
	_, err = tr.LoadDemoFile("d1", "notes.md")
	require.ErrorIs(t, err, ErrDemoNotFound)

	empty, _, _ := newTestTracker(t, WithDemoDir(filepath.Join(dir, "absent")))
	files, err = empty.DemoFiles()
	require.NoError(t, err)
	require.Empty(t, files)
}
