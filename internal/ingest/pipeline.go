// Package ingest authenticates, parses and routes inbound bot webhooks into
// the session registry.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/metrics"
	"github.com/comigor/botrelay/internal/session"
	"github.com/comigor/botrelay/internal/signature"
)

var (
	// ErrAuthentication means the signature was missing, undecodable or wrong.
	ErrAuthentication = errors.New("invalid signature")
	// ErrInternal means routing failed unexpectedly for this event only.
	ErrInternal = errors.New("internal ingest failure")
)

// Result describes what happened to an accepted event.
type Result struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	Outcome   session.Outcome `json:"outcome"`
	Created   bool            `json:"created"`
}

// Pipeline verifies, parses and routes webhook payloads. It is safe for
// concurrent use; every Ingest call is independent of the others.
type Pipeline struct {
	secret   []byte
	registry *session.Registry
}

// NewPipeline creates a pipeline that authenticates with secret.
func NewPipeline(secret []byte, registry *session.Registry) *Pipeline {
	return &Pipeline{secret: secret, registry: registry}
}

// Ingest handles one raw webhook body and the signature sent with it.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, sig string) (res Result, err error) {
	ok, verr := signature.Verify(raw, sig, p.secret)
	if verr != nil || !ok {
		metrics.IngestEvents.WithLabelValues("unknown", "unauthorized").Inc()
		logger.L.WarnContext(ctx, "webhook rejected", "reason", "signature", "error", verr, "bytes", len(raw))
		return Result{}, ErrAuthentication
	}

	ev, err := Parse(raw)
	if err != nil {
		metrics.IngestEvents.WithLabelValues("unknown", "malformed").Inc()
		logger.L.WarnContext(ctx, "webhook rejected", "reason", "payload", "error", err)
		return Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.IngestEvents.WithLabelValues(string(ev.Kind), "error").Inc()
			logger.L.ErrorContext(ctx, "webhook routing panicked", "session", ev.SessionID, "panic", r)
			res, err = Result{}, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	res, err = p.route(ev)
	if err != nil {
		label := "error"
		if errors.Is(err, session.ErrUnknownSession) {
			label = "unknown_session"
		}
		metrics.IngestEvents.WithLabelValues(string(ev.Kind), label).Inc()
		logger.L.WarnContext(ctx, "webhook rejected", "reason", label, "session", ev.SessionID, "error", err)
		return res, err
	}

	metrics.IngestEvents.WithLabelValues(string(ev.Kind), string(res.Outcome)).Inc()
	if res.Outcome != session.OutcomeApplied {
		logger.L.DebugContext(ctx, "event absorbed", "session", ev.SessionID, "kind", ev.Kind, "outcome", res.Outcome, "ts", ev.TimestampMs)
	}
	return res, nil
}

func (p *Pipeline) route(ev Event) (Result, error) {
	res := Result{Kind: ev.Kind, SessionID: ev.SessionID}

	switch ev.Kind {
	case KindStateChange:
		s, created := p.registry.GetOrCreate(ev.SessionID)
		res.Created = created
		var outcome session.Outcome
		var err error
		if ev.HasTimestamp {
			outcome, err = s.ApplyTransition(ev.State, ev.TimestampMs)
		} else {
			outcome, err = s.ApplyUntimed(ev.State)
		}
		if err != nil {
			return res, err
		}
		res.Outcome = outcome
		if outcome == session.OutcomeApplied {
			logger.L.Info("bot state changed", "session", ev.SessionID, "state", ev.State, "ts", ev.TimestampMs)
		}
	case KindTranscript:
		s, err := p.registry.Get(ev.SessionID)
		if err != nil {
			return res, fmt.Errorf("transcript for %q: %w", ev.SessionID, err)
		}
		res.Outcome = s.Append(ev.Fragment)
	default:
		return res, fmt.Errorf("unroutable event kind %q", ev.Kind)
	}
	return res, nil
}
