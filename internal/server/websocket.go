package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/jsoncodec"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/registry"
)

// CloseUnauthorized is sent when the realtime credential is missing or wrong.
// It lives in the application close code range so clients can distinguish it
// from transport-level failures.
const CloseUnauthorized = 4401

const (
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The realtime credential is the access control; browser origin is not.
	CheckOrigin: func(*http.Request) bool { return true },
}

// errorFrame is reported inline on the websocket when a client message is
// rejected. The connection stays open.
type errorFrame struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// handleBoardSocket serves one push connection scoped to a single board.
// Inbound frames become queued envelopes; processed activity for the board is
// written back out. A dedicated goroutine owns all socket writes.
func (s *Server) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	board := chi.URLParam(r, "board")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if !s.authorized(r) {
		closeSocket(conn, CloseUnauthorized, "unauthorized")
		return
	}

	push, err := s.registry.RegisterPush(board)
	if err != nil {
		if errors.Is(err, registry.ErrConnectionLimit) {
			closeSocket(conn, websocket.CloseTryAgainLater, "connection limit reached")
		} else {
			closeSocket(conn, websocket.CloseInternalServerErr, "registry unavailable")
		}
		return
	}

	log := s.log.With(logging.LogFields{
		"board":  board,
		"remote": r.RemoteAddr,
	})
	log.Debug("Push connection registered", nil)

	// frames carries inline rejections from the read loop to the writer so
	// that activity events and error frames never interleave mid-write.
	frames := make(chan errorFrame, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, push, frames)
	}()

	s.readLoop(r, conn, board, push, frames, log)

	s.registry.UnregisterPush(push)
	<-writerDone
	_ = conn.Close()
	log.Debug("Push connection closed", nil)
}

// readLoop consumes client frames until the peer disconnects or the
// connection is unregistered.
func (s *Server) readLoop(r *http.Request, conn *websocket.Conn, board string, push *registry.PushConn, frames chan<- errorFrame, log logging.ServiceLogger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Build(board, data)
		if err != nil {
			var verr *envelope.ValidationError
			if errors.As(err, &verr) {
				sendFrame(frames, push, errorFrame{Kind: "error", Reason: verr.Reason, Detail: verr.Detail})
				continue
			}
			sendFrame(frames, push, errorFrame{Kind: "error", Reason: envelope.ReasonValidationError, Detail: "message rejected"})
			continue
		}

		if err := s.publisher.Publish(r.Context(), env); err != nil {
			log.Error("Envelope not accepted by queue", err, logging.LogFields{
				"envelope_id": env.ID,
			})
			sendFrame(frames, push, errorFrame{Kind: "error", Reason: "event_bus_failure", Detail: "event could not be queued, try again"})
			continue
		}
	}
}

// writeLoop owns the socket's write side: activity events from the registry
// and inline error frames, serialised onto the wire one at a time.
func (s *Server) writeLoop(conn *websocket.Conn, push *registry.PushConn, frames <-chan errorFrame) {
	for {
		select {
		case <-push.Done():
			closeSocket(conn, websocket.CloseGoingAway, "shutting down")
			return
		case event := <-push.Events():
			if !writeJSONFrame(conn, event) {
				return
			}
		case frame := <-frames:
			if !writeJSONFrame(conn, frame) {
				return
			}
		}
	}
}

// sendFrame queues an error frame unless the connection is already going
// away. Dropping a rejection on a closing socket is fine.
func sendFrame(frames chan<- errorFrame, push *registry.PushConn, frame errorFrame) {
	select {
	case frames <- frame:
	case <-push.Done():
	}
}

func writeJSONFrame(conn *websocket.Conn, body any) bool {
	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

// closeSocket sends a close frame with the given code, gives the peer a
// moment to observe it, then drops the connection.
func closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGracePeriod)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
