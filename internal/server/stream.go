package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/stream"
	"github.com/skypro1111/callstream-service/internal/worker"
)

const (
	writeWait = 10 * time.Second
	// closeWait bounds how long a closing connection waits for the
	// client's close reply
	closeWait = 5 * time.Second
)

type connectedEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

type rejectEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// admissionFailure maps an Admit error to the close code and error code
// sent before closing
func admissionFailure(err error) (int, string) {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return stream.CloseBreakerOpen, "CIRCUIT_BREAKER_OPEN"
	case errors.Is(err, worker.ErrNoWorkers):
		return stream.CloseNoWorkers, "NO_WORKERS_AVAILABLE"
	case errors.Is(err, stream.ErrShuttingDown):
		return stream.CloseGoingAway, "SHUTTING_DOWN"
	default:
		return stream.CloseProcessingError, "INIT_FAILED"
	}
}

func (s *Server) handleStream(c *gin.Context) {
	params := stream.Params{
		CallID:   c.Query("callId"),
		Language: c.Query("language"),
	}
	if v := c.Query("samplingRate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "samplingRate must be a positive integer"})
			return
		}
		params.SampleRate = rate
	}

	if s.admissions != nil && !s.admissions.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many stream admissions"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	session, err := s.deps.Sessions.Admit(c.Request.Context(), params)
	if err != nil {
		code, errCode := admissionFailure(err)
		s.logger.Warn("Stream admission rejected",
			slog.String("call_id", params.CallID),
			slog.String("code", errCode),
			slog.String("error", err.Error()))
		s.reject(conn, code, errCode, err.Error())
		return
	}

	logger := s.logger.With(slog.String("session_id", session.ID))

	// The acknowledgment is written before the writer starts so it is
	// always the first frame
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(connectedEvent{
		Type:      "connected",
		SessionID: session.ID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to acknowledge session", slog.String("error", err.Error()))
		s.deps.Sessions.Teardown(session.ID, stream.ReasonTransportError)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, session, logger)
	}()

	s.readLoop(conn, session, logger)
	<-writerDone
}

// readLoop feeds inbound frames to the session until the connection fails
func (s *Server) readLoop(conn *websocket.Conn, session *stream.Session, logger *slog.Logger) {
	conn.SetReadLimit(int64(s.config.Stream.MaxChunkBytes))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			reason := stream.ReasonTransportError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				reason = stream.ReasonClientClosed
			}
			if s.deps.Sessions.Teardown(session.ID, reason) {
				logger.Info("Stream connection closed", slog.String("reason", string(reason)))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			err = s.deps.Sessions.IngestBinary(session.ID, data)
		case websocket.TextMessage:
			err = s.deps.Sessions.IngestControl(session.ID, data)
		}

		switch {
		case err == nil:
		case errors.Is(err, stream.ErrSessionNotFound):
			// Frames after teardown are dropped while the close completes
		case errors.Is(err, stream.ErrBackpressure), errors.Is(err, stream.ErrMalformedControl):
			logger.Debug("Inbound frame dropped", slog.String("error", err.Error()))
		default:
			logger.Warn("Inbound frame failed", slog.String("error", err.Error()))
		}
	}
}

// writeLoop is the only writer on the connection once the session is
// acknowledged. It relays session frames in order and sends the close frame
// when the session ends.
func (s *Server) writeLoop(conn *websocket.Conn, session *stream.Session, logger *slog.Logger) {
	write := func(frame []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Warn("Failed to relay frame", slog.String("error", err.Error()))
			s.deps.Sessions.Teardown(session.ID, stream.ReasonTransportError)
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-session.Outbound():
			if !write(frame) {
				return
			}

		case <-session.Done():
			for drained := false; !drained; {
				select {
				case frame := <-session.Outbound():
					if !write(frame) {
						return
					}
				default:
					drained = true
				}
			}

			code, reason := session.CloseStatus()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, string(reason)),
				time.Now().Add(writeWait))
			_ = conn.SetReadDeadline(time.Now().Add(closeWait))
			return
		}
	}
}

func (s *Server) reject(conn *websocket.Conn, code int, errCode, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(rejectEvent{Type: "error", Code: errCode, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, errCode),
		time.Now().Add(writeWait))
}
