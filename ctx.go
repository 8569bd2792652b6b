package rvi

import (
	"context"
	goed25519 "crypto/ed25519"
	"crypto/tls"
	cryx509 "crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	ed25519 "github.com/cloudflare/circl/sign/ed25519"
	"github.com/glycerine/idem"
	gjson "github.com/goccy/go-json"
)

// Context is the top-level handle: the local node identity,
// its own credential set, every live Connection, and the
// combined service registry. Entry point for every public
// operation.
//
// A Context is single-threaded by design: it does no
// internal locking and runs no background goroutines. The
// caller owns the readiness loop and must serialize all
// mutating calls on the same Context.
type Context struct {
	cfg    *Config
	nodeID string

	// own credential set: what this node may register and invoke.
	ownCreds  []*Credential
	credBlobs []string

	// provisioning authority public key that signs credentials.
	provKey ed25519.PublicKey

	conns map[int]*Connection
	reg   *registry

	halt *idem.Halter

	// now is the clock used for every expiry decision;
	// injectable so expiry paths are testable.
	now func() time.Time

	// synthetic descriptors for conns with no OS fd (pipes).
	nextSynthFd int

	tlsCfg *tls.Config // lazily loaded from cfg paths
}

// Init reads the config file and builds a Context, verifying
// the node's own credentials along the way. The classic
// one-call entry point.
func Init(configPath string) (*Context, error) {
	cfg, err := ParseConfig(configPath)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New builds a Context from an already-parsed Config.
func New(cfg *Config) (*Context, error) {
	x := &Context{
		cfg:         cfg,
		nodeID:      cfg.NodeID,
		conns:       make(map[int]*Connection),
		reg:         newRegistry(),
		halt:        idem.NewHalter(),
		now:         time.Now,
		nextSynthFd: 1 << 20,
	}
	if cfg.ProvisioningKey != "" {
		key, err := loadProvisioningKey(cfg.ProvisioningKey)
		if err != nil {
			return nil, err
		}
		x.provKey = key
	}
	for _, path := range cfg.Credentials {
		by, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading credential '%v': %v", ErrNoConfig, path, err)
		}
		blob := strings.TrimSpace(string(by))
		cred, err := VerifyCredential(blob, x.provKey, x.now())
		if err != nil {
			return nil, fmt.Errorf("credential '%v': %w", path, err)
		}
		x.ownCreds = append(x.ownCreds, cred)
		x.credBlobs = append(x.credBlobs, blob)
	}
	return x, nil
}

// NodeID returns the local node identifier.
func (x *Context) NodeID() string { return x.nodeID }

// Close releases every connection and all registry state.
// The Context is unusable afterwards.
func (x *Context) Close() error {
	if x.halt.ReqStop.IsClosed() {
		return nil
	}
	x.halt.ReqStop.Close()
	for _, c := range x.conns {
		c.close()
	}
	x.conns = make(map[int]*Connection)
	x.reg.byName.deleteAll()
	x.halt.Done.Close()
	return nil
}

func (x *Context) closed() bool {
	return x.halt.ReqStop.IsClosed()
}

// Connect dials a remote node and blocks through the full
// transport, TLS, and credential handshake. On success the
// connection is Active and its descriptor is returned; new
// remote services may appear immediately afterwards (read
// them with ProcessInput).
func (x *Context) Connect(addr, port string) (fd int, err error) {
	if x.closed() {
		return 0, ErrShutdown
	}
	hostport := net.JoinHostPort(addr, port)
	var nc net.Conn
	if x.cfg.TCPonly {
		nc, err = net.Dial("tcp", hostport)
		if err != nil {
			return 0, fmt.Errorf("connecting to %v: %w", hostport, err)
		}
	} else {
		cfg, cerr := x.nodeTLSConfig()
		if cerr != nil {
			return 0, cerr
		}
		cfg = cfg.Clone()
		cfg.ServerName = addr
		d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
		nc, err = d.DialContext(context.Background(), "tcp", hostport)
		if err != nil {
			return 0, fmt.Errorf("%w: TLS connect to %v: %v", ErrServCert, hostport, err)
		}
		cs := nc.(*tls.Conn).ConnectionState()
		if len(cs.PeerCertificates) == 0 {
			nc.Close()
			return 0, fmt.Errorf("%w: %v presented no certificate", ErrNoRcvCert, hostport)
		}
	}
	return x.adoptConn(nc, true)
}

// Listen opens a listener that Accept can drive. With TLS,
// client certificates are required and verified.
func (x *Context) Listen(addr string) (net.Listener, error) {
	if x.closed() {
		return nil, ErrShutdown
	}
	if x.cfg.TCPonly {
		return net.Listen("tcp", addr)
	}
	cfg, err := x.nodeTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, cfg)
}

// Accept takes the next inbound transport connection and
// blocks through the server side of the handshake, returning
// the new Active connection's descriptor.
func (x *Context) Accept(lis net.Listener) (fd int, err error) {
	if x.closed() {
		return 0, ErrShutdown
	}
	nc, err := lis.Accept()
	if err != nil {
		return 0, fmt.Errorf("accept: %w", err)
	}
	if tc, isTLS := nc.(*tls.Conn); isTLS {
		if err := tc.Handshake(); err != nil {
			nc.Close()
			return 0, fmt.Errorf("%w: TLS accept from %v: %v", ErrClientCert, nc.RemoteAddr(), err)
		}
		if len(tc.ConnectionState().PeerCertificates) == 0 {
			nc.Close()
			return 0, fmt.Errorf("%w: %v presented no certificate", ErrClientCert, nc.RemoteAddr())
		}
	}
	return x.adoptConn(nc, false)
}

// adoptConn wraps a secured transport conn, drives the
// credential handshake, registers the connection, and pushes
// the initial service announcements.
func (x *Context) adoptConn(nc net.Conn, initiator bool) (fd int, err error) {
	fd, ok := rawConnFd(nc)
	if !ok {
		fd = x.nextSynthFd
		x.nextSynthFd++
	}
	c := newConnection(fd, nc)
	if initiator {
		err = c.handshakeInitiator(x)
	} else {
		err = c.handshakeResponder(x)
	}
	if err != nil {
		c.close()
		return 0, err
	}
	x.conns[fd] = c
	if err := x.announceLocalTo(c); err != nil {
		x.dropConn(c)
		return 0, err
	}
	return fd, nil
}

// Disconnect forces a connection Closed, releasing it and
// every remote service entry it owns.
func (x *Context) Disconnect(fd int) error {
	c, ok := x.conns[fd]
	if !ok {
		return fmt.Errorf("%w: fd %v", ErrNotConnected, fd)
	}
	x.dropConn(c)
	return nil
}

// dropConn closes c and removes it and its remote services.
func (x *Context) dropConn(c *Connection) {
	c.close()
	x.reg.removeConn(c)
	delete(x.conns, c.fd)
}

// GetConnections snapshots the descriptors of all live
// connections, sorted.
func (x *Context) GetConnections() (fds []int) {
	fds = make([]int, 0, len(x.conns))
	for fd := range x.conns {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// connection returns the Connection for fd, mostly for tests
// and diagnostics.
func (x *Context) connection(fd int) (*Connection, bool) {
	c, ok := x.conns[fd]
	return c, ok
}

// qualifyName prefixes name with the local node id unless it
// already carries it.
func (x *Context) qualifyName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if name == x.nodeID || strings.HasPrefix(name, x.nodeID+"/") {
		return name
	}
	return x.nodeID + "/" + name
}

// RegisterService makes a local service available. The name
// gets the node-id prefix if it lacks one. The node's own
// credentials must grant the register right for the name
// space, else ErrRights and nothing is announced. On success
// every Active peer whose credentials cover invoking the
// service gets a service-announce; the call blocks until all
// of those writes flush.
func (x *Context) RegisterService(name string, cb ServiceCallback, data []byte) error {
	if x.closed() {
		return ErrShutdown
	}
	if cb == nil {
		return fmt.Errorf("%w: nil callback for %q", ErrNoCmd, name)
	}
	qual := x.qualifyName(name)
	if !anyCovers(x.ownCreds, qual, DirRegister, x.now()) {
		return fmt.Errorf("%w: own credentials do not grant register on %q", ErrRights, qual)
	}
	x.reg.insertLocal(qual, cb, data)
	return x.broadcast(KindServiceAnnounce, qual)
}

// UnregisterService removes a locally registered service and
// unannounces it to the same peer set. Names owned by a
// remote connection, or unknown, are untouched and reported.
func (x *Context) UnregisterService(name string) error {
	if x.closed() {
		return ErrShutdown
	}
	qual := x.qualifyName(name)
	if err := x.reg.removeLocal(qual); err != nil {
		return err
	}
	return x.broadcast(KindServiceUnannounce, qual)
}

// broadcast sends an announce/unannounce for one qualified
// name to every Active peer allowed to invoke it, continuing
// past per-connection failures and returning the first.
func (x *Context) broadcast(kind MsgKind, qual string) error {
	var firstErr error
	for _, fd := range x.GetConnections() {
		c := x.conns[fd]
		if c.state != StateActive || !c.covered(x, qual, DirInvoke) {
			continue
		}
		if err := c.sendMsg(&Message{Kind: kind, Services: []string{qual}}); err != nil {
			x.dropConn(c)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// announceLocalTo pushes, on a fresh connection, the local
// services its peer is allowed to invoke.
func (x *Context) announceLocalTo(c *Connection) error {
	var visible []string
	for _, name := range x.reg.listLocal() {
		if c.covered(x, name, DirInvoke) {
			visible = append(visible, name)
		}
	}
	if len(visible) == 0 {
		return nil
	}
	return c.sendMsg(&Message{Kind: KindServiceAnnounce, Services: visible})
}

// GetServices snapshots every qualified service name known to
// the registry, local and remote, in sorted order.
func (x *Context) GetServices() []string {
	return x.reg.listAll()
}

// InvokeService invokes a service by fully-qualified name.
// params may be nil or any JSON-marshalable value. A name
// owned by a remote connection sends one invoke frame on that
// connection, blocking until it is fully written; a local
// name runs the callback directly (with fd 0). An unknown
// name is ErrNoCmd and writes nothing anywhere.
func (x *Context) InvokeService(name string, params any) error {
	if x.closed() {
		return ErrShutdown
	}
	entry, found := x.reg.lookup(name)
	if !found {
		return fmt.Errorf("%w: no service %q", ErrNoCmd, name)
	}
	var raw []byte
	if params != nil {
		var err error
		raw, err = gjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("%w: parameters for %q: %v", ErrBadJSON, name, err)
		}
	}
	if entry.IsLocal() {
		entry.Callback(0, entry.Data, gjson.RawMessage(raw))
		return nil
	}
	if err := entry.Owner.sendMsg(&Message{Kind: KindInvoke, Service: name, Params: raw}); err != nil {
		x.dropConn(entry.Owner)
		return err
	}
	return nil
}

// Ping sends a keep-alive on one connection.
func (x *Context) Ping(fd int) error {
	c, ok := x.conns[fd]
	if !ok {
		return fmt.Errorf("%w: fd %v", ErrNotConnected, fd)
	}
	if err := c.sendMsg(&Message{Kind: KindPing}); err != nil {
		x.dropConn(c)
		return err
	}
	return nil
}

// nodeTLSConfig loads (once) the mutual-auth TLS config from
// the configured cert paths.
func (x *Context) nodeTLSConfig() (*tls.Config, error) {
	if x.tlsCfg != nil {
		return x.tlsCfg, nil
	}
	cfg, err := loadNodeTLSConfig(x.cfg.CACert, x.cfg.Device.Cert, x.cfg.Device.Key)
	if err != nil {
		return nil, err
	}
	x.tlsCfg = cfg
	return cfg, nil
}

// loadProvisioningKey reads a PEM PKIX ed25519 public key.
func loadProvisioningKey(path string) (ed25519.PublicKey, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading provisioning key '%v': %v", ErrNoConfig, path, err)
	}
	block, _ := pem.Decode(by)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: '%v' is not a PEM public key", ErrNoConfig, path)
	}
	pub, err := cryx509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing '%v': %v", ErrNoConfig, path, err)
	}
	edpub, ok := pub.(goed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: '%v' is not an ed25519 key", ErrNoConfig, path)
	}
	return ed25519.PublicKey(edpub), nil
}
