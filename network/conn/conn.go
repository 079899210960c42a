// Package conn wraps a net.Conn with FincasKV's line protocol and a
// per-connection identity used to correlate its log lines.
package conn

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"fincaskv/network/protocol"
)

// countingConn wraps a net.Conn to total the raw bytes crossing it in
// each direction, so a Connection can report them to server.Stats
// without the protocol layer needing to know about metrics at all.
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// Connection pairs a raw net.Conn with the protocol Parser/Writer that
// frame it, plus a short id for log correlation.
type Connection struct {
	ID string

	conn   *countingConn
	parser *protocol.Parser
	writer *protocol.Writer

	mu     sync.Mutex
	closed bool
}

// New wraps conn for request/response framing.
func New(c net.Conn) *Connection {
	cc := &countingConn{Conn: c}
	return &Connection{
		ID:     uuid.NewString()[:8],
		conn:   cc,
		parser: protocol.NewParser(cc),
		writer: protocol.NewWriter(cc),
	}
}

// BytesRead reports the total raw bytes read off the wire so far.
func (c *Connection) BytesRead() int64 {
	return c.conn.read.Load()
}

// BytesWritten reports the total raw bytes written to the wire so far.
func (c *Connection) BytesWritten() int64 {
	return c.conn.written.Load()
}

// RemoteAddr reports the peer's address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Next reads the next request line.
func (c *Connection) Next() (*protocol.Request, error) {
	return c.parser.Next()
}

// WriteOK writes a successful response.
func (c *Connection) WriteOK(value string, found bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.WriteOK(value, found)
}

// WriteError writes a failure response.
func (c *Connection) WriteError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.WriteError(err)
}

// Close closes the underlying connection, idempotently.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
