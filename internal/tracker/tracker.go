// Package tracker is the read and control facade the transports share. It
// answers pull reconciliation queries from the registry, opens push
// subscriptions on the hub and drives the bot provider.
package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/session"
)

var (
	// ErrNoBotControl means no bot provider client is configured.
	ErrNoBotControl = errors.New("bot control is not configured")
	// ErrDemoNotFound means the requested demo conversation file does not exist.
	ErrDemoNotFound = errors.New("demo conversation not found")
)

// BotController launches bots into meetings, pulls them out and reports
// the provider's view of a bot.
type BotController interface {
	Launch(ctx context.Context, meetingURL string) (string, error)
	Leave(ctx context.Context, botID string) error
	Status(ctx context.Context, botID string) (map[string]any, error)
}

// Tracker combines the registry, the hub and an optional bot controller.
type Tracker struct {
	registry *session.Registry
	hub      *hub.Hub
	bots     BotController
	demoDir  string
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBotController enables Launch, Leave and BotStatus.
func WithBotController(b BotController) Option {
	return func(t *Tracker) { t.bots = b }
}

// WithDemoDir sets where demo conversation files are read from.
func WithDemoDir(dir string) Option {
	return func(t *Tracker) { t.demoDir = dir }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(registry *session.Registry, h *hub.Hub, opts ...Option) *Tracker {
	t := &Tracker{registry: registry, hub: h, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetStatus returns the session's lifecycle status.
func (t *Tracker) GetStatus(id string) (session.Status, error) {
	s, err := t.registry.Get(id)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(), nil
}

// GetTranscripts returns the buffered fragments strictly newer than sinceMs.
func (t *Tracker) GetTranscripts(id string, sinceMs int64) ([]session.Transcript, error) {
	s, err := t.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return session.Views(s.Since(sinceMs)), nil
}

// Reconcile returns status and newer fragments from one consistent view.
func (t *Tracker) Reconcile(id string, sinceMs int64) (session.Reconciliation, error) {
	s, err := t.registry.Get(id)
	if err != nil {
		return session.Reconciliation{}, err
	}
	return s.Reconcile(sinceMs), nil
}

// Snapshot returns every buffered fragment, oldest first.
func (t *Tracker) Snapshot(id string) ([]session.Fragment, error) {
	s, err := t.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// ConversationStatus summarizes the session's buffered conversation.
func (t *Tracker) ConversationStatus(id string) (session.Conversation, error) {
	s, err := t.registry.Get(id)
	if err != nil {
		return session.Conversation{}, err
	}
	return s.Conversation(), nil
}

// List returns the status of every registered session, sorted by id.
func (t *Tracker) List() []session.Status {
	sessions := t.registry.List()
	out := make([]session.Status, len(sessions))
	for i, s := range sessions {
		out[i] = s.Status()
	}
	return out
}

// Subscribe opens a push subscription; no ids means every session.
func (t *Tracker) Subscribe(ids ...string) *hub.Subscription {
	return t.hub.Subscribe(ids...)
}

// Launch starts a bot for meetingURL and registers its session.
func (t *Tracker) Launch(ctx context.Context, meetingURL string) (string, error) {
	if t.bots == nil {
		return "", ErrNoBotControl
	}
	id, err := t.bots.Launch(ctx, meetingURL)
	if err != nil {
		return "", err
	}
	if _, err := t.registry.Create(id); err != nil && !errors.Is(err, session.ErrSessionExists) {
		return "", err
	}
	logger.L.InfoContext(ctx, "bot launched", "session", id)
	return id, nil
}

// Leave asks the bot to leave. The session ends through its own state
// change events.
func (t *Tracker) Leave(ctx context.Context, id string) error {
	if t.bots == nil {
		return ErrNoBotControl
	}
	if err := t.bots.Leave(ctx, id); err != nil {
		return err
	}
	logger.L.InfoContext(ctx, "bot leave requested", "session", id)
	return nil
}

// BotStatus asks the bot provider for its own view of the bot. It works for
// bots this relay has never received events for.
func (t *Tracker) BotStatus(ctx context.Context, id string) (map[string]any, error) {
	if t.bots == nil {
		return nil, ErrNoBotControl
	}
	return t.bots.Status(ctx, id)
}

// LoadDemo feeds "Speaker: text" lines from r into the session's buffer as
// if they had been transcribed live, one second apart starting now. Lines
// without a speaker are attributed to "Demo". It returns the number of
// fragments accepted.
func (t *Tracker) LoadDemo(id string, r io.Reader) (int, error) {
	s, _ := t.registry.GetOrCreate(id)
	base := t.now().UnixMilli()

	accepted := 0
	scanner := bufio.NewScanner(r)
	for i := 0; scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		speaker, text, ok := strings.Cut(line, ":")
		if ok {
			speaker, text = strings.TrimSpace(speaker), strings.TrimSpace(text)
		} else {
			speaker, text = "Demo", line
		}
		f := session.Fragment{
			TimestampMs: base + int64(i)*1000,
			Speaker:     speaker,
			Text:        text,
			Confidence:  1,
		}
		if s.Append(f) == session.OutcomeApplied {
			accepted++
		}
	}
	if err := scanner.Err(); err != nil {
		return accepted, fmt.Errorf("read demo conversation: %w", err)
	}
	logger.L.Info("demo conversation loaded", "session", id, "fragments", accepted)
	return accepted, nil
}

// DemoFiles lists the .txt files in the demo directory.
func (t *Tracker) DemoFiles() ([]string, error) {
	entries, err := os.ReadDir(t.demoDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadDemoFile loads a named file from the demo directory. Path components
// in name are ignored.
func (t *Tracker) LoadDemoFile(id, name string) (int, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || !strings.HasSuffix(base, ".txt") {
		return 0, ErrDemoNotFound
	}
	f, err := os.Open(filepath.Join(t.demoDir, base))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrDemoNotFound
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return t.LoadDemo(id, f)
}
