// Package server runs the TCP front end: it accepts connections and
// hands each one to a bounded worker pool, whose worker reads that
// connection's framed requests and executes them against a clone of a
// shared storage.Engine handle.
package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"fincaskv/network/conn"
	"fincaskv/network/pool"
	"fincaskv/network/protocol"
	"fincaskv/storage"
)

// Config configures a Server.
type Config struct {
	Addr        string
	Workers     int
	QueueDepth  int
	IdleTimeout time.Duration
}

// DefaultConfig returns reasonable defaults for a local deployment.
func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:4000",
		Workers:     32,
		QueueDepth:  1024,
		IdleTimeout: 0,
	}
}

// Server accepts client connections and dispatches their requests
// against a storage.Engine.
type Server struct {
	cfg    Config
	engine storage.Engine
	pool   *pool.Pool
	stats  *Stats

	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[*conn.Connection]struct{}
	connWg sync.WaitGroup
}

// New creates a Server that will serve engine over cfg.Addr once
// Start is called. engine is cloned once per accepted connection so
// each connection's requests execute against an independent reader
// handle sharing the same underlying store.
func New(cfg Config, engine storage.Engine) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		pool:   pool.New(cfg.Workers, cfg.QueueDepth),
		stats:  &Stats{StartTime: time.Now()},
		conns:  make(map[*conn.Connection]struct{}),
	}
}

// Start opens the listener and serves connections until Stop is
// called or the listener errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("fincaskv: listening on %s", s.cfg.Addr)

	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.handleAccept(c)
	}
}

func (s *Server) handleAccept(c net.Conn) {
	connection := conn.New(c)

	s.mu.Lock()
	s.conns[connection] = struct{}{}
	s.mu.Unlock()

	s.stats.IncrConnCount()
	s.connWg.Add(1)

	handle := s.engine.Clone()

	s.pool.Submit(func() {
		defer func() {
			s.stats.AddBytesReceived(connection.BytesRead())
			s.stats.AddBytesSent(connection.BytesWritten())
			_ = handle.Close()
			connection.Close()
			s.mu.Lock()
			delete(s.conns, connection)
			s.mu.Unlock()
			s.stats.DecrConnCount()
			s.connWg.Done()
		}()
		s.serveConnection(connection, handle)
	})
}

func (s *Server) serveConnection(c *conn.Connection, engine storage.Engine) {
	for {
		req, err := c.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.stats.IncrErrorCount()
				log.Printf("conn %s: read failed: %v", c.ID, err)
			}
			return
		}

		start := time.Now()
		s.dispatch(c, engine, req)
		s.stats.IncrCmdCount()
		if time.Since(start) > 10*time.Millisecond {
			s.stats.IncrSlowCount()
		}
	}
}

func (s *Server) dispatch(c *conn.Connection, engine storage.Engine, req *protocol.Request) {
	if err := req.Validate(); err != nil {
		s.stats.IncrErrorCount()
		_ = c.WriteError(err)
		return
	}

	var err error
	switch req.Op {
	case protocol.OpSet:
		err = engine.Set(req.Key, req.Value)
		if err == nil {
			err = c.WriteOK("", false)
		}
	case protocol.OpGet:
		var value string
		var found bool
		value, found, err = engine.Get(req.Key)
		if err == nil {
			err = c.WriteOK(value, found)
		}
	case protocol.OpRm:
		err = engine.Remove(req.Key)
		if err == nil {
			err = c.WriteOK("", false)
		}
	}

	if err != nil {
		s.stats.IncrErrorCount()
		_ = c.WriteError(err)
	}
}

// Stats returns the server's live connection and command counters;
// the fields keep changing as connections are served.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Stop closes the listener, every live connection, and drains the
// worker pool.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.connWg.Wait()
	s.pool.Close()
	return nil
}
