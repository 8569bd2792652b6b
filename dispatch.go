package rvi

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

// ProcessInput reads and handles exactly one message per
// descriptor in fds. The caller must have observed
// read-readiness (level-triggered -- one readable event may
// hide several queued frames) or be willing to block. An
// error on one connection never aborts the rest; the first
// error is returned after every descriptor has been tried.
func (x *Context) ProcessInput(fds []int) error {
	if x.closed() {
		return ErrShutdown
	}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, fd := range fds {
		c, ok := x.conns[fd]
		if !ok {
			keep(fmt.Errorf("%w: fd %v", ErrNotConnected, fd))
			continue
		}
		if err := x.processOne(c); err != nil {
			keep(err)
		}
	}
	return firstErr
}

// processOne reads one complete frame off c and routes it.
// Frame-level and state-machine violations close c and drop
// it from the Context; a bad single invoke only reports.
func (x *Context) processOne(c *Connection) error {
	m, err := c.readMsg()
	if err != nil {
		// readMsg already forced Closed.
		x.dropConn(c)
		return err
	}
	pp("fd %v: got %v", c.fd, m.Kind)

	switch m.Kind {
	case KindHello:
		// a second hello after handshake is a protocol violation.
		c.close()
		x.dropConn(c)
		return fmt.Errorf("%w: unexpected hello in state %v on fd %v", ErrStreamEnd, c.state, c.fd)

	case KindCredentials:
		return x.onCredentialRefresh(c, m.Creds)

	case KindServiceAnnounce:
		x.onRemoteAnnounce(c, m.Services)
		return nil

	case KindServiceUnannounce:
		for _, name := range m.Services {
			x.reg.removeRemote(c, name)
		}
		return nil

	case KindInvoke:
		return x.onInvoke(c, m)

	case KindPing:
		// keep-alive; nothing to do.
		return nil
	}
	// decodeMessage validates kinds; anything else is a bug.
	panicf("unreachable: kind %v survived validate()", int(m.Kind))
	return nil
}

// onCredentialRefresh replaces the peer's credential set and
// prunes the remote services whose rights no longer hold.
func (x *Context) onCredentialRefresh(c *Connection, blobs []string) error {
	if err := c.acceptCreds(x, blobs); err != nil {
		// acceptCreds closed c.
		x.dropConn(c)
		return err
	}
	for name := range c.remote {
		if !c.covered(x, name, DirRegister) || !c.covered(x, name, DirInvoke) {
			x.reg.removeRemote(c, name)
		}
	}
	return nil
}

// onRemoteAnnounce filters a peer's announcement through its
// rights. The peer must hold the register right for the name
// (it legitimately offers the service) and the invoke right
// (this node is willing to route invocations its way).
// Unauthorized names are silently invisible, not errors.
func (x *Context) onRemoteAnnounce(c *Connection, names []string) {
	for _, name := range names {
		if !c.covered(x, name, DirRegister) || !c.covered(x, name, DirInvoke) {
			pp("fd %v: dropping unauthorized announce of %q", c.fd, name)
			continue
		}
		x.reg.insertRemote(c, name)
	}
}

// onInvoke runs a locally registered service on behalf of a
// peer. Unknown names and missing rights are reported to the
// caller but leave the connection Active: one bad request
// does not terminate the session.
func (x *Context) onInvoke(c *Connection, m *Message) error {
	entry, found := x.reg.lookup(m.Service)
	if !found || !entry.IsLocal() {
		return fmt.Errorf("%w: fd %v invoked unknown service %q", ErrNoCmd, c.fd, m.Service)
	}
	if !c.covered(x, m.Service, DirInvoke) {
		return fmt.Errorf("%w: fd %v may not invoke %q", ErrRights, c.fd, m.Service)
	}
	entry.Callback(c.fd, entry.Data, gjson.RawMessage(m.Params))
	return nil
}
