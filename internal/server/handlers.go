package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/comigor/botrelay/internal/analysis"
	"github.com/comigor/botrelay/internal/attendee"
	"github.com/comigor/botrelay/internal/history"
	"github.com/comigor/botrelay/internal/ingest"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/session"
	"github.com/comigor/botrelay/internal/tracker"
)

var errBadSince = errors.New("since must be an integer timestamp in milliseconds")

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	_, err = s.deps.Pipeline.Ingest(c.Request.Context(), body, c.GetHeader(s.signatureHeader))
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	var payloadErr *ingest.PayloadError
	switch {
	case errors.Is(err, ingest.ErrAuthentication):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.As(err, &payloadErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_payload", "reason": payloadErr.Reason})
	case errors.Is(err, session.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(s.deps.Tracker.List())})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Tracker.List()})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.deps.Tracker.GetStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleTranscripts(c *gin.Context) {
	since, err := parseSince(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	lines, err := s.deps.Tracker.GetTranscripts(c.Param("id"), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func (s *Server) handleReconcile(c *gin.Context) {
	since, err := parseSince(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.deps.Tracker.Reconcile(c.Param("id"), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleConversation(c *gin.Context) {
	conv, err := s.deps.Tracker.ConversationStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleLaunch(c *gin.Context) {
	var req struct {
		MeetingURL string `json:"meeting_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meeting_url is required"})
		return
	}
	id, err := s.deps.Tracker.Launch(c.Request.Context(), req.MeetingURL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bot_id": id})
}

func (s *Server) handleLeave(c *gin.Context) {
	if err := s.deps.Tracker.Leave(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleBotStatus(c *gin.Context) {
	st, err := s.deps.Tracker.BotStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleAnalyze(c *gin.Context) {
	if s.deps.Analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis is not configured"})
		return
	}
	id := c.Param("id")
	fragments, err := s.deps.Tracker.Snapshot(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.deps.Analyzer.Analyze(c.Request.Context(), id, fragments)
	if err != nil {
		s.fail(c, err)
		return
	}

	if s.deps.History != nil {
		data, err := json.Marshal(res.Data)
		if err == nil {
			_, err = s.deps.History.Save(c.Request.Context(), history.Record{
				SessionID: res.SessionID,
				Model:     res.Model,
				Fragments: res.Fragments,
				Analysis:  data,
				CreatedAt: res.CreatedAt,
			})
		}
		if err != nil {
			logger.L.Warn("failed to archive analysis", "session", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleAnalyses(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusOK, gin.H{"analyses": []history.Record{}})
		return
	}
	records, err := s.deps.History.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": records})
}

func (s *Server) handleDemoList(c *gin.Context) {
	files, err := s.deps.Tracker.DemoFiles()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleDemoLoad(c *gin.Context) {
	var req struct {
		Filename string `json:"filename" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}
	n, err := s.deps.Tracker.LoadDemoFile(c.Param("id"), req.Filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "lines": n})
}

// fail maps domain errors to HTTP responses.
func (s *Server) fail(c *gin.Context, err error) {
	var apiErr *attendee.APIError
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session"})
	case errors.Is(err, tracker.ErrDemoNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	case errors.Is(err, errBadSince):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, analysis.ErrEmptyConversation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, tracker.ErrNoBotControl):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &apiErr), errors.Is(err, analysis.ErrUnparseable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.L.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseSince(c *gin.Context) (int64, error) {
	raw := c.Query("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errBadSince
	}
	return since, nil
}
