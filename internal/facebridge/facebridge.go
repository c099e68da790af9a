// Package facebridge streams conversation events to face renderers over a
// one-way websocket. A renderer animates a mouth from the per-chunk level
// messages and switches expressions on state changes; nothing is ever read
// back from clients except control frames.
package facebridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/voiceloop/voiceloop/pkg/agent"
)

// Message is the wire format pushed to renderers.
type Message struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	TurnID     uint64  `json:"turn_id,omitempty"`
	State      string  `json:"state,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Reply      string  `json:"reply,omitempty"`
	Level      float64 `json:"level,omitempty"`
	Failure    string  `json:"failure,omitempty"`
	Error      string  `json:"error,omitempty"`
}

const (
	writeTimeout = 5 * time.Second

	// sendBuffer absorbs level-message bursts; a renderer that cannot keep
	// up gets disconnected rather than stalling the conversation.
	sendBuffer = 64
)

// Server accepts websocket connections on /face and broadcasts messages to
// all of them.
type Server struct {
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// New creates a Server listening on addr once Run is called.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: logger.With("component", "facebridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Renderers are local tools (browser page, desktop widget).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/face", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("face bridge listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Listener adapts the server into a conversation event listener. It never
// blocks; slow clients are dropped.
func (s *Server) Listener() agent.Listener {
	return func(ev agent.Event) {
		if msg, ok := translate(ev); ok {
			s.Broadcast(msg)
		}
	}
}

func translate(ev agent.Event) (Message, bool) {
	msg := Message{SessionID: ev.SessionID, TurnID: ev.TurnID}
	switch ev.Kind {
	case agent.EventStateChanged:
		msg.Type = "state"
		msg.State = ev.State.String()
	case agent.EventTurnStarted:
		msg.Type = "turn_started"
	case agent.EventTranscript:
		msg.Type = "transcript"
		msg.Transcript = ev.Transcript
	case agent.EventTurnCompleted:
		msg.Type = "turn_completed"
		msg.Reply = ev.Reply
	case agent.EventTurnInterrupted:
		msg.Type = "turn_interrupted"
	case agent.EventTurnAbandoned:
		msg.Type = "turn_abandoned"
		msg.Failure = ev.Failure.String()
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	case agent.EventTurnFailed:
		msg.Type = "turn_failed"
		msg.Failure = ev.Failure.String()
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	case agent.EventLevel:
		msg.Type = "level"
		msg.Level = ev.Level
	default:
		return Message{}, false
	}
	return msg, true
}

// Broadcast queues msg for every connected renderer.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			// Renderer is not draining; cut it loose.
			delete(s.clients, c)
			close(c.send)
			s.logger.Warn("dropping slow face client", "remote", c.conn.RemoteAddr())
		}
	}
}

// ClientCount reports connected renderers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("face client connected", "remote", conn.RemoteAddr())

	go s.readLoop(c)
	s.writeLoop(c)
}

// readLoop discards inbound frames; it exists to process control frames
// and notice disconnects.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.remove(c)
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.remove(c)
			return
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		c.conn.Close()
	}
	s.mu.Unlock()
}
