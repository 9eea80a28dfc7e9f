package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/trace"
)

const (
	streamBuffer   = 64
	streamPing     = 30 * time.Second
	streamWriteTTL = 10 * time.Second
)

// TraceStream pushes trace events of one session over a websocket.
type TraceStream struct {
	h       *Handler
	hub     *trace.Hub
	origins []string
}

// NewTraceStream creates the websocket handler. origins are accepted
// Origin host patterns; empty accepts any.
func NewTraceStream(h *Handler, hub *trace.Hub, origins []string) *TraceStream {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &TraceStream{h: h, hub: hub, origins: origins}
}

// RegisterRoutes registers the websocket route.
func (s *TraceStream) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}/trace", s.ServeHTTP)
}

// ServeHTTP upgrades the request and streams events until the client leaves
// or the session is closed. With ?replay=N the last N recorded events are
// sent first.
func (s *TraceStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.h.session(w, r)
	if !ok {
		return
	}
	replay, err := queryInt(r, "replay", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	// Subscribe before replaying so nothing recorded in between is lost.
	events, release := s.hub.Subscribe(sessionID, streamBuffer)
	defer release()

	ctx := ws.CloseRead(r.Context())
	slog.Info("Trace observer connected", "session_id", sessionID, "replay", replay)

	var lastSeq int64
	if replay > 0 {
		page, err := s.h.svc.Trace.Read(ctx, sessionID, replay, nil)
		if err != nil {
			slog.Warn("Trace replay failed", "session_id", sessionID, "error", err)
		}
		for _, ev := range page.Events {
			if err := writeEvent(ctx, ws, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Trace observer disconnected", "session_id", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("Trace stream write failed", "session_id", sessionID, "error", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTTL)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTTL)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
