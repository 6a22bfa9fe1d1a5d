// Package server is the TLS-terminated TCP front door (C12): it
// accepts connections, bounds how many are mid-handshake at once, and
// hands each one to the broker mediator.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/zindgh/mqtt-broker/internal/broker"
	"github.com/zindgh/mqtt-broker/internal/config"
)

// Server owns the listener and the handshake concurrency limit.
type Server struct {
	cfg      *config.Config
	mediator *broker.Mediator
	listener net.Listener

	sem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Server bound to cfg and backed by mediator. It does not
// touch the TLS certificate; Start loads it before listening.
func New(cfg *config.Config, mediator *broker.Mediator) (*Server, error) {
	return &Server{
		cfg:      cfg,
		mediator: mediator,
		sem:      semaphore.NewWeighted(int64(cfg.Limits.MaxClients)),
		stop:     make(chan struct{}),
	}, nil
}

// Start loads the TLS certificate, binds the listener and runs the
// accept loop until Stop is called. It blocks until the listener
// closes.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true
	s.mu.Unlock()

	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("server: load tls cert: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	log.Printf("mqtt broker listening on %s (tls)", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				log.Printf("server: accept: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.HandshakeTimeout)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Printf("server: handshake slot unavailable for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer s.sem.Release(1)

	if err := s.mediator.Accept(conn, conn.RemoteAddr()); err != nil {
		log.Printf("server: handshake failed for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
	}
}

// Stop closes the listener and waits for in-flight handshakes to
// finish accepting (their drivers, once spawned, outlive Stop by
// design — a live session is never torn down by a server shutdown
// alone).
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("server: close listener: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}
