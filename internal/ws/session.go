package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/models"
)

const writeWait = 10 * time.Second

var errSessionClosed = errors.New("session closed")

// stopper is satisfied by livesync.Controller.
type stopper interface {
	Stop()
}

// Session is one live sync connection. Writes are serialized.
type Session struct {
	conn *websocket.Conn
	info ConnInfo

	writeMu    sync.Mutex
	closed     bool
	controller stopper
	closeOnce  sync.Once
}

func newSession(conn *websocket.Conn, info ConnInfo) *Session {
	return &Session{conn: conn, info: info}
}

func (s *Session) Info() ConnInfo { return s.info }

func (s *Session) attach(controller stopper) {
	s.writeMu.Lock()
	s.controller = controller
	s.writeMu.Unlock()
}

// Notify writes n as a JSON frame.
func (s *Session) Notify(ctx context.Context, n models.Notification) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed || s.conn == nil {
		return errSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(n)
}

// Close stops the session's controller and closes the connection.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		controller := s.controller
		s.writeMu.Unlock()
		// the controller may be mid-Notify, so stop it before taking the write lock for good
		if controller != nil {
			controller.Stop()
		}

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.closed = true
		if s.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}
