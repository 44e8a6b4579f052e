package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/comigor/botrelay/internal/hub"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/session"
)

// handleStream serves the push channel as server-sent events. Every frame is
// `data: {"type","session_id","payload"}`; a comment line keeps proxies from
// timing the connection out. With a single session_id and a since parameter
// the current status and the buffered transcripts newer than since are
// replayed before live updates.
func (s *Server) handleStream(c *gin.Context) {
	ids := c.QueryArray("session_id")
	_, wantReplay := c.GetQuery("since")
	since, err := parseSince(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	// subscribe before the replay so nothing published in between is lost
	sub := s.deps.Tracker.Subscribe(ids...)
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	ctx := c.Request.Context()
	logger.L.InfoContext(ctx, "stream opened", "subscriber", sub.ID(), "sessions", ids)
	defer func() {
		logger.L.InfoContext(ctx, "stream closed", "subscriber", sub.ID(), "dropped", sub.Dropped())
	}()

	if wantReplay && len(ids) == 1 {
		if err := s.replay(c.Writer, ids[0], since); err != nil {
			return
		}
	}
	c.Writer.Flush()

	for {
		wait, cancel := context.WithTimeout(ctx, s.cfg.KeepAlive)
		n, err := sub.Next(wait)
		cancel()

		switch {
		case err == nil:
			if err := writeEvent(c.Writer, n); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
		default:
			// client gone, subscription closed or server shutting down
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) replay(w io.Writer, id string, since int64) error {
	rec, err := s.deps.Tracker.Reconcile(id, since)
	if errors.Is(err, session.ErrUnknownSession) {
		// the session may still appear; live updates follow
		return nil
	}
	if err != nil {
		return err
	}

	status := hub.Notification{
		Type:      hub.TypeStatus,
		SessionID: id,
		Payload: session.StatusPayload{
			State:          rec.Status.State,
			StateTimestamp: rec.Status.StateTimestamp,
			Terminal:       rec.Status.Terminal,
		},
	}
	if err := writeEvent(w, status); err != nil {
		return err
	}
	for _, t := range rec.Transcripts {
		if err := writeEvent(w, hub.Notification{Type: hub.TypeTranscript, SessionID: id, Payload: t}); err != nil {
			return err
		}
	}
	return nil
}

func writeEvent(w io.Writer, n hub.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
