package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/progress"
)

const wsWriteWait = 10 * time.Second

// streamEvents relays a job's progress as Server-Sent Events. Each update is
// one event named after its kind; the stream ends after the terminal update.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.logger, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	sub, err := s.registry.Subscribe(r.Context(), jobID)
	if err != nil {
		s.subscribeFailed(w, jobID, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for upd := range sub.Updates {
		data, err := json.Marshal(upd)
		if err != nil {
			s.logger.Error("encode update failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", upd.Kind, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// streamWebSocket relays a job's progress as JSON text frames and closes the
// socket normally after the terminal update. A client close cancels the
// subscription.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.registry.Subscribe(ctx, jobID)
	if err != nil {
		s.closeSocket(conn, websocket.CloseTryAgainLater, "subscriptions unavailable")
		return
	}
	defer sub.Cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for upd := range sub.Updates {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(upd); err != nil {
			s.logger.Debug("websocket write failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
	}
	if ctx.Err() == nil {
		s.closeSocket(conn, websocket.CloseNormalClosure, "stream complete")
	}
}

func (s *Server) closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("websocket close failed", zap.Error(err))
	}
}

func (s *Server) subscribeFailed(w http.ResponseWriter, jobID string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, progress.ErrRegistryClosed) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn("subscribe failed", zap.String("job_id", jobID), zap.Error(err))
	writeError(w, s.logger, status, err.Error())
}
