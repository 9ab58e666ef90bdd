package http

import (
	"time"

	"github.com/fyrsmithlabs/consultd/internal/consultation"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// maxClientFrame bounds frames read from stream clients, which only send
// control traffic.
const maxClientFrame = 512

// StreamFrame is one websocket message on the snapshot stream.
type StreamFrame struct {
	Type     string                `json:"type"`
	Snapshot consultation.Snapshot `json:"snapshot"`
}

// handleStream upgrades to a websocket and pushes a snapshot after every
// committed change. The stream closes normally once the session is
// finalized.
func (s *Server) handleStream(c echo.Context) error {
	id := c.Param("id")
	updates, cancel, err := s.sessions.Subscribe(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientFrame)

	// Drain client frames so control messages are processed and a client
	// close is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				s.closeStream(conn, websocket.CloseNormalClosure, "session finalized")
				return nil
			}
			if err := s.writeFrame(conn, snap); err != nil {
				s.logger.Debug("stream write failed", zap.String("session_id", id), zap.Error(err))
				return nil
			}
		case <-ping.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return nil
			}
		case <-gone:
			return nil
		case <-s.closing:
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return nil
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, snap consultation.Snapshot) error {
	typ := "snapshot"
	if snap.State.IsTerminal() {
		typ = "final"
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(StreamFrame{Type: typ, Snapshot: snap})
}

func (s *Server) closeStream(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.config.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
