package hub

import (
	crand "crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/railsignal/railwatch/internal/monitoring"
)

// Conn is the transport a session speaks over. *websocket.Conn from
// gorilla/websocket satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// TextMessage mirrors the websocket text frame type so the hub does not
// depend on the transport package directly.
const TextMessage = 1

// sendTimeout bounds a single client write so one slow client cannot
// stall a broadcast fan-out.
const sendTimeout = 2 * time.Second

// sendBuffer is the per-session outbound queue depth. A full queue
// disconnects the session; the hub never buffers beyond it.
const sendBuffer = 32

// Session is one connected client. It owns its outbound queue; a writer
// goroutine drains the queue so broadcasts never block on the network.
type Session struct {
	ID        string
	Principal string // authenticated principal, empty for anonymous

	conn Conn
	send chan []byte
	done chan struct{}
}

func newSession(conn Conn, principal string) *Session {
	id := randomID()
	if principal != "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		Principal: principal,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// randomID generates a random connection ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// writePump drains the outbound queue onto the transport. It exits on
// the first failed write or when the session is closed; the hub then
// removes the session.
func (s *Session) writePump(onFailure func(connectionID string)) {
	for {
		select {
		case <-s.done:
			return
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := s.conn.WriteMessage(TextMessage, payload); err != nil {
				monitoring.Logf("hub: send to session %s failed, disconnecting: %v", s.ID, err)
				onFailure(s.ID)
				return
			}
		}
	}
}

// enqueue places a message on the session's queue. It reports false
// when the queue is full, which the hub treats as a failed send.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.conn.Close()
}
