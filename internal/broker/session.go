package broker

import (
	"net"
	"sync"
	"sync/atomic"
)

// minKeepAlive is the clamped floor for a client's keep-alive interval.
const minKeepAlive = 60

// SessionController is the lifecycle state machine shared by a live
// Client: alive/suspended/expired predicates driven by ttl and
// expr_interval.
type SessionController interface {
	IsAlive(now int64) bool
	IsExpired(now int64) bool
	KeepAlive(now int64) (int64, error)
	ExpirationTime() int64
	TTL() int64
	Kill()
}

// Session is the server-side state of a client-id across possibly
// multiple transport connections (spec Glossary: Session). ttl and
// keep_alive are atomics: the driver bumps them, the session sweeper
// and a resuming handshake read them concurrently.
type Session struct {
	ttl          atomic.Int64
	keepAlive    atomic.Uint32
	exprInterval int64
}

// NewSession builds a session whose ttl starts at now + keepAlive,
// clamping keepAlive to its minimum of 60 seconds.
func NewSession(now int64, keepAlive uint16, exprInterval uint32) *Session {
	s := &Session{exprInterval: int64(exprInterval)}
	if keepAlive < minKeepAlive {
		keepAlive = minKeepAlive
	}
	s.keepAlive.Store(uint32(keepAlive))
	s.ttl.Store(now + int64(keepAlive))
	return s
}

// IsAlive reports whether the session's ttl has not yet elapsed.
func (s *Session) IsAlive(now int64) bool { return s.ttl.Load() >= now }

// IsExpired reports whether the session's full expiration window
// (ttl + expr_interval) has elapsed.
func (s *Session) IsExpired(now int64) bool { return s.ExpirationTime() <= now }

// KeepAlive bumps ttl to now + 1.5*keep_alive, the handshake-observed
// constant from the source this broker is grounded on. It fails once
// now has reached ttl, i.e. the session is no longer alive.
func (s *Session) KeepAlive(now int64) (int64, error) {
	if s.ttl.Load() <= now {
		return 0, ErrSessionExpired
	}
	ttl := now + s.bump()
	s.ttl.Store(ttl)
	return ttl, nil
}

func (s *Session) bump() int64 {
	ka := int64(s.keepAlive.Load())
	return ka + ka/2
}

// ExpirationTime is the absolute time after which the session is gone
// for good and cannot be resumed.
func (s *Session) ExpirationTime() int64 { return s.exprInterval + s.ttl.Load() }

// TTL returns the current ttl.
func (s *Session) TTL() int64 { return s.ttl.Load() }

// Kill marks the session dead immediately (a zero-byte socket read).
func (s *Session) Kill() { s.ttl.Store(0) }

// ErrSessionExpired is returned by KeepAlive once ttl has already
// elapsed.
var ErrSessionExpired = sessionExpiredError{}

type sessionExpiredError struct{}

func (sessionExpiredError) Error() string { return "broker: session already expired" }

// ClientUpdate carries the fields a resuming CONNECT replaces on an
// existing Client (spec §6: "restore its state via UpdateClient
// {conid, addr, socket, protocol_level, keep_alive}").
type ClientUpdate struct {
	ConnID        uint64
	Addr          net.Addr
	Conn          net.Conn
	ProtocolLevel byte
	KeepAlive     uint16
}

// Client is the tuple of (connection-id, client-id, peer address,
// socket, protocol level, session, per-client storage handle). Its
// transport fields are swapped in place by a resuming handshake while
// the stale driver and the dispatcher's forwarder may still be
// reading them, so they sit behind a read-write lock; everything else
// is immutable or owned by the session's own atomics.
type Client struct {
	ID      ClientID
	Session *Session

	mu            sync.RWMutex
	connID        uint64
	conn          net.Conn
	addr          net.Addr
	protocolLevel byte
}

// NewClient builds a freshly handshaked Client.
func NewClient(connID uint64, conn net.Conn, addr net.Addr, id ClientID, keepAlive uint16, exprInterval uint32, protocolLevel byte, now int64) *Client {
	return &Client{
		ID:            id,
		Session:       NewSession(now, keepAlive, exprInterval),
		connID:        connID,
		conn:          conn,
		addr:          addr,
		protocolLevel: protocolLevel,
	}
}

// Transport returns the current socket and connection-id as one
// consistent pair, so a driver can pin the connection it was spawned
// for and later tell whether a resume has replaced it.
func (c *Client) Transport() (net.Conn, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.connID
}

// ConnID returns the id of the transport connection currently bound to
// this client.
func (c *Client) ConnID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Conn returns the currently bound socket.
func (c *Client) Conn() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Addr returns the peer address of the currently bound connection.
func (c *Client) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// ProtocolLevel returns the negotiated protocol level.
func (c *Client) ProtocolLevel() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolLevel
}

// Restore replaces this client's transport-bound fields in place on a
// resuming CONNECT, preserving its registry slot and QoS coordinator
// state (spec §6 / SPEC_FULL §6 "session resume with socket-half
// replacement"). The ttl is re-armed so a suspended session (ttl
// elapsed but still within expr_interval) comes back alive instead of
// being reaped by the new driver's first liveness check. It fails if
// the session is already gone for good.
func (c *Client) Restore(now int64, update ClientUpdate) error {
	if !c.Session.IsAlive(now) && c.Session.IsExpired(now) {
		return ErrSessionNotResumable
	}
	c.mu.Lock()
	c.connID = update.ConnID
	c.addr = update.Addr
	c.conn = update.Conn
	c.protocolLevel = update.ProtocolLevel
	c.mu.Unlock()
	if update.KeepAlive > 0 {
		if update.KeepAlive < minKeepAlive {
			update.KeepAlive = minKeepAlive
		}
		c.Session.keepAlive.Store(uint32(update.KeepAlive))
	}
	c.Session.ttl.Store(now + c.Session.bump())
	return nil
}

func (c *Client) IsAlive(now int64) bool   { return c.Session.IsAlive(now) }
func (c *Client) IsExpired(now int64) bool { return c.Session.IsExpired(now) }
func (c *Client) ExpirationTime() int64    { return c.Session.ExpirationTime() }
func (c *Client) Kill()                    { c.Session.Kill() }
