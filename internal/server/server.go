// Package server provides the pinglingle control and push listener.
//
// The server accepts TCP (optionally TLS) connections, gives each one a
// handler.Session, and answers requests in arrival order. Push events are
// written by the same per-connection writer goroutine as replies.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/handler"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "127.0.0.1:9170").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// MaxMessageSize limits inbound frames. Zero uses the default.
	MaxMessageSize int
}

// =============================================================================
// Server
// =============================================================================

// Server is the control and push listener.
type Server struct {
	cfg      Config
	handler  *handler.Handler
	sessions *handler.SessionManager

	mu       sync.Mutex
	listener net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once
	conns        sync.WaitGroup
}

// New creates a new server.
func New(cfg *Config, h *handler.Handler) *Server {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Listen == "" {
		c.Listen = config.DefaultListenAddress
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = config.DefaultMaxMessageSize
	}

	return &Server{
		cfg:      c,
		handler:  h,
		sessions: h.SessionManager(),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the listener without accepting. Run calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, cerr := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if cerr != nil {
			return fmt.Errorf("load TLS cert: %w", cerr)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accepts connections until ctx is cancelled or Shutdown is called,
// then closes every session and waits for connection goroutines.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.sessions.CloseAll()
				s.conns.Wait()
				log.Info("server stopped")
				return nil
			default:
				log.Error("accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting connections. It is idempotent.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	})
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	session := s.sessions.CreateSession(conn)

	r := wire.NewReader(conn)
	r.SetMaxSize(s.cfg.MaxMessageSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start writer goroutine
	sendCh := session.SendChan()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range sendCh {
			if _, err := conn.Write(data); err != nil {
				// Close() is idempotent, so it's safe to call from both goroutines.
				log.Debug("write failed, closing session",
					"session_id", session.ID,
					"error", err)
				session.Close()
				return
			}
		}
	}()

	// Read loop
	for {
		req, err := r.Read()
		if err != nil {
			if err != io.EOF && !session.IsClosed() {
				log.Warn("read failed, closing session", "session_id", session.ID, "error", err)
			}
			break
		}
		if !session.SendMessage(s.handler.Handle(ctx, session, req)) && session.IsClosed() {
			break
		}
	}

	// Disconnect - close session and wait for writer goroutine
	session.Close()
	log.Info("session disconnected", "session_id", session.ID)
	<-done
}
