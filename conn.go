package rvi

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ConnState is the lifecycle position of one peer link.
// Transitions only ever move forward, except that Closed is
// reachable from anywhere and absorbing.
type ConnState int

const (
	StateConnecting            ConnState = 1
	StateHandshaking           ConnState = 2
	StateExchangingCredentials ConnState = 3
	StateActive                ConnState = 4
	StateClosed                ConnState = 5
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateExchangingCredentials:
		return "ExchangingCredentials"
	case StateActive:
		return "Active"
	case StateClosed:
		return "Closed"
	default:
		panic(fmt.Sprintf("need to update String() for ConnState %v", int(s)))
	}
}

// Connection represents one peer link. It is owned
// exclusively by the Context and identified externally by
// its file descriptor.
type Connection struct {
	fd    int
	nc    net.Conn
	state ConnState

	peerNodeID string
	peerCreds  []*Credential // verified; empty until ExchangingCredentials completes

	// remote service names currently registered as owned by
	// this connection.
	remote map[string]bool

	// partial-read buffer: a frame may span multiple reads.
	rbuf []byte

	// reusable frame-encode scratch.
	wbuf []byte
}

func newConnection(fd int, nc net.Conn) *Connection {
	return &Connection{
		fd:     fd,
		nc:     nc,
		state:  StateConnecting,
		remote: make(map[string]bool),
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{fd:%v, state:%v, peer:%q, %v remote services}",
		c.fd, c.state, c.peerNodeID, len(c.remote))
}

// Fd returns the descriptor identifying this connection.
func (c *Connection) Fd() int { return c.fd }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState { return c.state }

// PeerNodeID returns the node id the peer sent in its hello,
// or "" before the handshake completes.
func (c *Connection) PeerNodeID() string { return c.peerNodeID }

// to advances the state machine. Closed is absorbing; any
// other backwards move is an internal bug.
func (c *Connection) to(next ConnState) {
	if c.state == StateClosed {
		return
	}
	if next < c.state {
		panicf("connection fd %v: illegal state transition %v -> %v", c.fd, c.state, next)
	}
	pp("conn fd %v: %v -> %v", c.fd, c.state, next)
	c.state = next
}

// close forces Closed and shuts the transport. Idempotent.
func (c *Connection) close() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.nc != nil {
		c.nc.Close()
	}
}

// sendMsg frames and writes one message, blocking until the
// whole frame is flushed. A transport error closes the
// connection.
func (c *Connection) sendMsg(m *Message) error {
	if c.state == StateClosed {
		return fmt.Errorf("%w: send on closed connection fd %v", ErrStreamEnd, c.fd)
	}
	frame, err := appendFrame(c.wbuf[:0], m)
	if err != nil {
		return err
	}
	c.wbuf = frame[:0]
	if err := writeFull(c.nc, frame); err != nil {
		c.close()
		return fmt.Errorf("%w: writing %v to fd %v: %v", ErrStreamEnd, m.Kind, c.fd, err)
	}
	return nil
}

// readMsg blocks until one complete frame has arrived,
// accumulating partial reads in c.rbuf. The caller is
// expected to have observed read-readiness already, but a
// frame may still span multiple reads. Protocol violations
// and transport errors close the connection.
func (c *Connection) readMsg() (*Message, error) {
	if c.state == StateClosed {
		return nil, fmt.Errorf("%w: read on closed connection fd %v", ErrStreamEnd, c.fd)
	}
	var chunk [4096]byte
	for {
		m, rest, err := decodeFrame(c.rbuf)
		if err == nil {
			c.rbuf = append(c.rbuf[:0], rest...)
			return m, nil
		}
		if err != errShortFrame {
			c.close()
			return nil, err
		}
		n, rerr := c.nc.Read(chunk[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, chunk[:n]...)
			continue
		}
		if rerr != nil {
			c.close()
			if rerr == io.EOF {
				return nil, fmt.Errorf("%w: peer closed fd %v", ErrStreamEnd, c.fd)
			}
			return nil, fmt.Errorf("%w: reading fd %v: %v", ErrStreamEnd, c.fd, rerr)
		}
	}
}

// expect reads one message and insists on a kind; anything
// else is a protocol violation for the current state.
func (c *Connection) expect(kind MsgKind) (*Message, error) {
	m, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	if m.Kind != kind {
		c.close()
		return nil, fmt.Errorf("%w: got %v while expecting %v", ErrStreamEnd, m.Kind, kind)
	}
	return m, nil
}

// handshakeInitiator drives the connecting side: hello out,
// hello in, credentials out, credentials in, Active.
func (c *Connection) handshakeInitiator(x *Context) error {
	c.to(StateHandshaking)
	if err := c.sendMsg(&Message{Kind: KindHello, Node: x.nodeID, Version: protoVersion}); err != nil {
		return err
	}
	hello, err := c.expect(KindHello)
	if err != nil {
		return err
	}
	c.peerNodeID = hello.Node

	c.to(StateExchangingCredentials)
	if err := c.sendMsg(&Message{Kind: KindCredentials, Creds: x.credBlobs}); err != nil {
		return err
	}
	creds, err := c.expect(KindCredentials)
	if err != nil {
		return err
	}
	if err := c.acceptCreds(x, creds.Creds); err != nil {
		return err
	}
	c.to(StateActive)
	return nil
}

// handshakeResponder mirrors handshakeInitiator with the
// read/write order flipped, so the two sides never block
// writing at each other.
func (c *Connection) handshakeResponder(x *Context) error {
	c.to(StateHandshaking)
	hello, err := c.expect(KindHello)
	if err != nil {
		return err
	}
	c.peerNodeID = hello.Node
	if err := c.sendMsg(&Message{Kind: KindHello, Node: x.nodeID, Version: protoVersion}); err != nil {
		return err
	}

	c.to(StateExchangingCredentials)
	creds, err := c.expect(KindCredentials)
	if err != nil {
		return err
	}
	if err := c.sendMsg(&Message{Kind: KindCredentials, Creds: x.credBlobs}); err != nil {
		return err
	}
	if err := c.acceptCreds(x, creds.Creds); err != nil {
		return err
	}
	c.to(StateActive)
	return nil
}

// acceptCreds verifies the peer's blobs and installs the set.
// A peer with zero verifiable credentials cannot proceed.
func (c *Connection) acceptCreds(x *Context, blobs []string) error {
	var verified []*Credential
	now := x.now()
	for _, blob := range blobs {
		cred, err := VerifyCredential(blob, x.provKey, now)
		if err != nil {
			pp("fd %v: dropping credential: %v", c.fd, err)
			continue
		}
		verified = append(verified, cred)
	}
	if len(verified) == 0 {
		c.close()
		return fmt.Errorf("%w: peer %q presented no verifiable credential", ErrNoCred, c.peerNodeID)
	}
	c.peerCreds = verified
	return nil
}

// covered asks the peer's credential set for (name, dir)
// right now. Expiry gets re-checked on every call.
func (c *Connection) covered(x *Context, name string, dir Direction) bool {
	return anyCovers(c.peerCreds, name, dir, x.now())
}

// rawConnFd digs the OS file descriptor out of a TCP or
// TLS-over-TCP conn. Pipes and in-memory conns have none.
func rawConnFd(nc net.Conn) (fd int, ok bool) {
	if tc, isTLS := nc.(*tls.Conn); isTLS {
		nc = tc.NetConn()
	}
	sc, isSC := nc.(syscall.Conn)
	if !isSC {
		return 0, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	cerr := rc.Control(func(u uintptr) {
		fd = int(u)
		ok = true
	})
	if cerr != nil {
		return 0, false
	}
	return fd, ok
}
