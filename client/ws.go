// Package client speaks the canvas server's HTTP and websocket surfaces.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mural"
	"mural/wire"
)

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// Handler receives decoded server messages and session edges. Pings are
// answered by the socket itself and never reach the handler.
type Handler interface {
	HandleResult(res wire.PaintResult)
	HandlePixel(ev mural.PixelEvent)
	HandleConnected()
	HandleDisconnected()
}

// Socket maintains the websocket session with the canvas server. One
// read-write connection carries inbound traffic; optional write-only
// connections spread outbound frames so a stalled reader cannot block
// paint throughput.
type Socket struct {
	url       string
	writeonly int
	handler   Handler
	log       *slog.Logger

	mu      sync.Mutex
	primary *conn
	writers []*conn
	rr      int
}

// conn wraps one websocket connection with a write lock. gorilla permits
// one concurrent writer per connection.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func NewSocket(url string, writeonly int, handler Handler, log *slog.Logger) *Socket {
	return &Socket{
		url:       url,
		writeonly: writeonly,
		handler:   handler,
		log:       log,
	}
}

// Run dials the server and pumps inbound frames until ctx ends. Lost
// sessions are redialed with capped backoff and announced through
// HandleConnected so the caller can resynchronize its mirror.
func (s *Socket) Run(ctx context.Context) error {
	delay := reconnectInitialDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("websocket session ended", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (s *Socket) session(ctx context.Context) error {
	primary, err := s.dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	writers := make([]*conn, 0, s.writeonly)
	for i := 0; i < s.writeonly; i++ {
		w, err := s.dial(ctx, s.url+"?writeonly=1")
		if err != nil {
			primary.ws.Close()
			for _, w := range writers {
				w.ws.Close()
			}
			return fmt.Errorf("dial writeonly %d: %w", i, err)
		}
		writers = append(writers, w)
	}

	s.mu.Lock()
	s.primary = primary
	s.writers = writers
	s.rr = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.primary = nil
		s.writers = nil
		s.mu.Unlock()
		primary.ws.Close()
		for _, w := range writers {
			w.ws.Close()
		}
		s.handler.HandleDisconnected()
	}()

	s.log.Info("connected", "url", s.url, "writeonly", s.writeonly)
	s.handler.HandleConnected()

	// The read loop owns the primary connection. Closing it from ctx
	// unblocks ReadMessage.
	stop := context.AfterFunc(ctx, func() { primary.ws.Close() })
	defer stop()

	for {
		typ, frame, err := primary.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if err := wire.DecodeFrame(frame, s); err != nil {
			s.log.Warn("undecodable frame", "bytes", len(frame), "error", err)
		}
	}
}

func (s *Socket) dial(ctx context.Context, url string) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws}, nil
}

// Send writes one binary frame, rotating across the write-only
// connections when configured. It fails when no session is up.
func (s *Socket) Send(_ context.Context, frame []byte) error {
	s.mu.Lock()
	var c *conn
	switch {
	case len(s.writers) > 0:
		c = s.writers[s.rr%len(s.writers)]
		s.rr++
	case s.primary != nil:
		c = s.primary
	}
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("send: not connected")
	}
	return c.write(frame)
}

// HandlePing answers the server's keepalive on the primary connection.
func (s *Socket) HandlePing() {
	s.mu.Lock()
	c := s.primary
	s.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.write(wire.Pong()); err != nil {
		s.log.Warn("pong failed", "error", err)
	}
}

func (s *Socket) HandleResult(res wire.PaintResult) { s.handler.HandleResult(res) }

func (s *Socket) HandlePixel(ev mural.PixelEvent) { s.handler.HandlePixel(ev) }
