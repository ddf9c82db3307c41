package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/store"
)

// sessionAudit records each session in the store and announces its end on
// the bus.
type sessionAudit struct {
	store *store.Store
	bus   *bus.Client
	log   *slog.Logger
}

func (a *sessionAudit) SessionStarted(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.BeginSession(ctx, s.ID, s.WireID, s.Voice); err != nil {
		a.log.Warn("failed to record session start", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (a *sessionAudit) SessionFinished(s *session.Session, out session.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if out.Code != "" {
		if err := a.store.AppendSessionEvent(ctx, s.ID, "error", string(out.Code)+": "+out.Message); err != nil {
			a.log.Warn("failed to record session error", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	if err := a.store.FinishSession(ctx, s.ID, string(out.Status), string(out.Code), out.Chunks); err != nil {
		a.log.Warn("failed to record session end", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	if !a.bus.Healthy() {
		return
	}
	status := protocol.SessionStatus{
		SessionID:  s.ID,
		WireID:     s.WireID,
		Voice:      s.Voice,
		Status:     out.Status,
		Code:       out.Code,
		Chunks:     out.Chunks,
		DurationMS: out.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err := a.bus.PublishJSON(protocol.SubjectSessionDone, status); err != nil {
		a.log.Warn("failed to publish session status", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}
