// Package scalewire is the TCP front-end that accepts scale connections,
// owns each socket's lifetime, and funnels received bytes to the
// registered callbacks. It holds no parsing or device logic
// itself — those are wired in by the owning service container via the
// four callback fields.
package scalewire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/scale-edge/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn tracks one accepted connection.
type Conn struct {
	SocketID      string
	RemoteAddress string
	conn          net.Conn
}

// Server binds a host:port and accepts scale connections.
type Server struct {
	addr   string
	logger zerolog.Logger

	// OnConnect, OnData, OnClose and OnError are invoked for every socket
	// event. They are set once at construction (donor idiom: callbacks as
	// struct fields, wired by the caller instead of an observer list).
	OnConnect func(socketID, remoteAddress string)
	OnData    func(socketID string, chunk []byte)
	OnClose   func(socketID, reason string)
	OnError   func(socketID string, err error)

	mu       sync.RWMutex
	conns    map[string]*Conn
	listener net.Listener

	connections atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
}

// NewServer creates an unstarted Server bound to addr (host:port).
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Start binds the listener and begins accepting connections until ctx is
// cancelled. It blocks until the accept loop exits.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("scalewire: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.addr).Msg("tcp front-end listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handle(conn)
	}
}

// Drain accepts a drain notification. It has no behavioral contract beyond
// logging.
func (s *Server) Drain(reason string) {
	s.logger.Info().Str("reason", reason).Msg("drain requested")
}

func (s *Server) handle(conn net.Conn) {
	socketID := uuid.NewString()[:8]
	remoteAddr := conn.RemoteAddr().String()

	c := &Conn{SocketID: socketID, RemoteAddress: remoteAddr, conn: conn}
	s.mu.Lock()
	s.conns[socketID] = c
	s.mu.Unlock()

	s.connections.Add(1)
	metrics.TCPConnectionsActive.Inc()

	if s.OnConnect != nil {
		s.OnConnect(socketID, remoteAddr)
	}

	reason := s.readLoop(socketID, conn)

	s.mu.Lock()
	delete(s.conns, socketID)
	s.mu.Unlock()

	s.connections.Add(-1)
	metrics.TCPConnectionsActive.Dec()
	_ = conn.Close()

	if s.OnClose != nil {
		s.OnClose(socketID, reason)
	}
}

func (s *Server) readLoop(socketID string, conn net.Conn) string {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.bytesIn.Add(int64(n))
			metrics.TCPBytesIn.Add(float64(n))
			if s.OnData != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.OnData(socketID, chunk)
			}
		}
		if err != nil {
			if s.OnError != nil && !isClosedOrEOF(err) {
				s.OnError(socketID, err)
			}
			return closeReason(err)
		}
	}
}

// Send writes b to the socket identified by socketID. It returns false if
// the socket is not known or the write fails.
func (s *Server) Send(socketID string, b []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	n, err := c.conn.Write(b)
	if err != nil {
		return false
	}
	s.bytesOut.Add(int64(n))
	metrics.TCPBytesOut.Add(float64(n))
	return true
}

// Close closes the socket identified by socketID with a given reason.
// readLoop observes the resulting error and drives OnClose.
func (s *Server) Close(socketID, reason string) {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.logger.Debug().Str("socket_id", socketID).Str("reason", reason).Msg("closing socket")
	_ = c.conn.Close()
}

// Broadcast writes b to every currently-connected socket.
func (s *Server) Broadcast(b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conns {
		if _, err := c.conn.Write(b); err != nil {
			s.logger.Warn().Str("socket_id", id).Err(err).Msg("broadcast write failed")
		}
	}
}

// Connections returns the current number of open connections.
func (s *Server) Connections() int64 { return s.connections.Load() }

// BytesIn returns the running total of bytes received.
func (s *Server) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the running total of bytes written.
func (s *Server) BytesOut() int64 { return s.bytesOut.Load() }
