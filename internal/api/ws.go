package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/room"
	"collabtext/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 20
)

// serveRoom upgrades the connection and pumps frames between it and the
// room. Attach failures are reported as close frames so browsers see the
// code.
func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "room", id, "error", err)
		return
	}
	defer conn.Close()

	c := room.NewClient("", s.opts.SendBuffer)
	rm, err := s.opts.Sessions.Attach(r.Context(), id, r.URL.Query().Get("sessionId"), c)
	if err != nil {
		code := room.CloseRoomClosed
		if errors.Is(err, session.ErrSessionExpired) {
			code = room.CloseSessionExpired
		}
		s.logger.Info("attach refused", "room", id, "error", err)
		writeClose(conn, code, err.Error())
		return
	}
	s.logger.Debug("client connected", "room", id, "client", c.ID())

	done := make(chan struct{})
	go s.writePump(conn, c, done)
	s.readPump(r, conn, rm, c)
	close(done)
	rm.Detach(c)
}

func (s *Server) readPump(r *http.Request, conn *websocket.Conn, rm *room.Room, c *room.Client) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read failed", "room", rm.ID(), "client", c.ID(), "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := rm.Receive(r.Context(), c, data); err != nil {
			if errors.Is(err, room.ErrClosed) {
				return
			}
			s.logger.Debug("frame rejected", "room", rm.ID(), "client", c.ID(), "error", err)
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, c *room.Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-c.Closed():
			flush(conn, c)
			code, reason := c.CloseReason()
			writeClose(conn, code, reason)
			// Unblocks the reader if the peer never answers the close.
			time.AfterFunc(writeWait, func() { conn.Close() })
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// flush writes frames queued before the client was closed.
func flush(conn *websocket.Conn, c *room.Client) {
	for {
		select {
		case frame := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
