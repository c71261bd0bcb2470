package render

import (
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream broadcasts frames to websocket clients. Each frame is one binary
// message: little endian u16 width, u16 height, then RGBA pixels. A frame
// identical to the previous one is not sent again.
type Stream struct {
	logger *zap.Logger

	mu       sync.Mutex
	clients  map[*client]struct{}
	last     []byte
	lastHash uint64
	closed   bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStream creates a stream with no clients.
func NewStream(logger *zap.Logger) *Stream {
	return &Stream{
		logger:  logger.With(zap.String("component", "render-stream")),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client. New clients get
// the latest frame straight away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	if s.last != nil {
		c.send <- s.last
	}
	s.mu.Unlock()

	s.logger.Info("Stream client connected", zap.String("remote_addr", r.RemoteAddr))

	go s.writePump(c)
	go s.readPump(c)
}

// Present encodes frame and queues it for every client. Clients that fall a
// full buffer behind are dropped.
func (s *Stream) Present(frame protocol.Frame) error {
	if err := checkFrame(frame); err != nil {
		return err
	}

	msg := make([]byte, 4+len(frame.Pix))
	binary.LittleEndian.PutUint16(msg[0:], uint16(frame.Width))
	binary.LittleEndian.PutUint16(msg[2:], uint16(frame.Height))
	copy(msg[4:], frame.Pix)
	hash := xxhash.Sum64(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && hash == s.lastHash {
		return nil
	}
	s.last, s.lastHash = msg, hash

	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn("Dropping slow stream client", zap.String("remote_addr", c.conn.RemoteAddr().String()))
			s.removeLocked(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client. Later connections are refused.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		s.removeLocked(c)
	}
	return nil
}

func (s *Stream) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
}

// removeLocked closes c's queue once; the write pump then closes the conn.
func (s *Stream) removeLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Stream) writePump(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.remove(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client messages and notices disconnects.
func (s *Stream) readPump(c *client) {
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			s.remove(c)
			return
		}
	}
}
