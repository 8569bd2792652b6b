package rvi

import (
	"bytes"
	cryrand "crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	ed25519 "github.com/cloudflare/circl/sign/ed25519"
	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/idem"
	gjson "github.com/goccy/go-json"
)

// ============================================================
// test plumbing: an in-memory node pair.
//
// net.Pipe is fully synchronous, which deadlocks a protocol
// where both sides push announcements. bufConn buffers writes
// so only the handshake needs a second goroutine.
// ============================================================

type bufPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBufPipe() *bufPipe {
	p := &bufPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufPipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

func (p *bufPipe) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *bufPipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *bufPipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

type bufAddr struct{}

func (bufAddr) Network() string { return "buf" }
func (bufAddr) String() string  { return "buf" }

type bufConn struct {
	r, w *bufPipe
}

func (c *bufConn) Read(b []byte) (int, error)  { return c.r.read(b) }
func (c *bufConn) Write(b []byte) (int, error) { return c.w.write(b) }
func (c *bufConn) Close() error {
	c.r.close()
	c.w.close()
	return nil
}
func (c *bufConn) LocalAddr() net.Addr                { return bufAddr{} }
func (c *bufConn) RemoteAddr() net.Addr               { return bufAddr{} }
func (c *bufConn) SetDeadline(t time.Time) error      { return nil }
func (c *bufConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bufConn) SetWriteDeadline(t time.Time) error { return nil }

func newBufConnPair() (*bufConn, *bufConn) {
	p, q := newBufPipe(), newBufPipe()
	return &bufConn{r: p, w: q}, &bufConn{r: q, w: p}
}

func newTestAuthority() (ed25519.PublicKey, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	panicOn(err)
	return pub, priv
}

func mintBlob(priv ed25519.PrivateKey, issuer string, start, stop time.Time, invoke, register []string) string {
	claims := &CredClaims{
		Issuer:         issuer,
		RightToInvoke:  invoke,
		RightToReceive: register,
	}
	claims.Validity.Start = start.Unix()
	claims.Validity.Stop = stop.Unix()
	blob, err := MintCredential(claims, priv)
	panicOn(err)
	return blob
}

// newTestNode builds a Context directly, skipping config
// files; blobs must verify against provKey.
func newTestNode(nodeID string, provKey ed25519.PublicKey, blobs []string) *Context {
	x := &Context{
		cfg:         &Config{NodeID: nodeID, TCPonly: true},
		nodeID:      nodeID,
		provKey:     provKey,
		conns:       make(map[int]*Connection),
		reg:         newRegistry(),
		halt:        idem.NewHalter(),
		now:         time.Now,
		nextSynthFd: 1 << 20,
	}
	for _, blob := range blobs {
		cred, err := VerifyCredential(blob, provKey, x.now())
		panicOn(err)
		x.ownCreds = append(x.ownCreds, cred)
		x.credBlobs = append(x.credBlobs, blob)
	}
	return x
}

// link runs the full credential handshake between two nodes
// over an in-memory conn pair and returns the descriptor each
// side assigned, plus the raw endpoints for wire inspection.
func link(a, b *Context) (afd, bfd int, aEnd, bEnd *bufConn) {
	aEnd, bEnd = newBufConnPair()
	type res struct {
		fd  int
		err error
	}
	ch := make(chan res, 1)
	go func() {
		fd, err := b.adoptConn(bEnd, false)
		ch <- res{fd, err}
	}()
	afd, err := a.adoptConn(aEnd, true)
	panicOn(err)
	r := <-ch
	panicOn(r.err)
	return afd, r.fd, aEnd, bEnd
}

// standard two-node fixture: node123 and node456, each with
// full rights in its own name space plus the right to invoke
// into the other's.
func twoNodes(window time.Duration) (a, b *Context) {
	pub, priv := newTestAuthority()
	now := time.Now()
	blobA := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(window),
		[]string{"node123/*", "node456/*"}, []string{"node123/*"})
	blobB := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(window),
		[]string{"node123/*", "node456/*"}, []string{"node456/*"})
	a = newTestNode("node123", pub, []string{blobA})
	b = newTestNode("node456", pub, []string{blobB})
	return a, b
}

// ============================================================
// end-to-end scenarios
// ============================================================

func Test050_register_announce_and_list(t *testing.T) {

	cv.Convey("registering diagnostics/read announces it to every Active peer allowed to invoke it, and GetServices lists the qualified name on both nodes", t, func() {
		a, b := twoNodes(time.Hour)
		afd, bfd, _, _ := link(a, b)
		_ = afd

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(a.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		// one readable event, one message: the announce.
		err = b.ProcessInput([]int{bfd})
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		entry, found := b.reg.lookup("node123/diagnostics/read")
		cv.So(found, cv.ShouldBeTrue)
		cv.So(entry.IsLocal(), cv.ShouldBeFalse)
		cv.So(entry.Owner.fd, cv.ShouldEqual, bfd)
	})
}

func Test051_invoke_end_to_end(t *testing.T) {

	cv.Convey("invoking a remote service sends one frame on the owning connection and runs the callback with fd, opaque data, and the decoded parameters", t, func() {
		a, b := twoNodes(time.Hour)
		afd, bfd, _, _ := link(a, b)

		var gotFd int
		var gotData []byte
		var gotParams string
		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {
			gotFd = fd
			gotData = data
			gotParams = string(params)
		}, []byte("opaque"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)

		err = b.InvokeService("node123/diagnostics/read", map[string]any{"ecu": "brake"})
		cv.So(err, cv.ShouldBeNil)

		cv.So(a.ProcessInput([]int{afd}), cv.ShouldBeNil)
		cv.So(gotFd, cv.ShouldEqual, afd)
		cv.So(string(gotData), cv.ShouldEqual, "opaque")
		cv.So(gotParams, cv.ShouldEqual, `{"ecu":"brake"}`)
	})
}

func Test052_invoke_unknown_name_writes_nothing(t *testing.T) {

	cv.Convey("invoking a name no connection owns returns ErrNoCmd and no bytes reach any socket", t, func() {
		a, b := twoNodes(time.Hour)
		_, _, aEnd, bEnd := link(a, b)

		err := b.InvokeService("node999/climate/set", map[string]any{"temp": 22})
		cv.So(StatusOf(err), cv.ShouldEqual, StatusNoCmd)
		cv.So(aEnd.w.pending(), cv.ShouldEqual, 0)
		cv.So(bEnd.w.pending(), cv.ShouldEqual, 0)
	})
}

func Test053_announce_requires_rights(t *testing.T) {

	cv.Convey("an announcement the peer's credentials do not cover is silently invisible", t, func() {
		a, b := twoNodes(time.Hour)
		_, bfd, aEnd, _ := link(a, b)

		// a crafts an announce outside its name space.
		frame, err := appendFrame(nil, &Message{
			Kind:     KindServiceAnnounce,
			Services: []string{"node999/stolen/service"},
		})
		panicOn(err)
		_, err = aEnd.Write(frame)
		panicOn(err)

		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{})

		// the connection stays Active: unauthorized announces
		// are policy-invisible, not protocol violations.
		c, ok := b.connection(bfd)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(c.state, cv.ShouldEqual, StateActive)
	})
}

func Test054_duplicate_announce_single_entry(t *testing.T) {

	cv.Convey("two sequential announcements of the same name from the same connection leave exactly one entry with the same owner", t, func() {
		a, b := twoNodes(time.Hour)
		_, bfd, aEnd, _ := link(a, b)

		for i := 0; i < 2; i++ {
			frame, err := appendFrame(nil, &Message{
				Kind:     KindServiceAnnounce,
				Services: []string{"node123/media/play"},
			})
			panicOn(err)
			_, err = aEnd.Write(frame)
			panicOn(err)
			cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		}

		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/media/play"})
		entry, found := b.reg.lookup("node123/media/play")
		cv.So(found, cv.ShouldBeTrue)
		cv.So(entry.Owner.fd, cv.ShouldEqual, bfd)
	})
}

func Test055_credential_expiry_between_handshake_and_invoke(t *testing.T) {

	cv.Convey("a credential that expires after the handshake blocks later invokes with a rights error while the connection stays Active", t, func() {
		a, b := twoNodes(time.Hour)
		afd, bfd, _, _ := link(a, b)

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {
			t.Fatalf("callback must not run after expiry")
		}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)

		cv.So(b.InvokeService("node123/diagnostics/read", nil), cv.ShouldBeNil)

		// clock jumps past every credential's window on a's side.
		a.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

		err = a.ProcessInput([]int{afd})
		cv.So(StatusOf(err), cv.ShouldEqual, StatusRights)

		c, ok := a.connection(afd)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(c.state, cv.ShouldEqual, StateActive)
	})
}

func Test056_unregister_and_unannounce(t *testing.T) {

	cv.Convey("unregistering a local service unannounces it; unregistering anything else is a local no-op error", t, func() {
		a, b := twoNodes(time.Hour)
		_, bfd, _, _ := link(a, b)

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		// b does not own the name; the registry is untouched.
		err = b.UnregisterService("node123/diagnostics/read")
		cv.So(StatusOf(err), cv.ShouldEqual, StatusNoCmd)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		// a does; the unannounce flows to b.
		cv.So(a.UnregisterService("diagnostics/read"), cv.ShouldBeNil)
		cv.So(a.GetServices(), cv.ShouldResemble, []string{})
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{})
	})
}

func Test057_register_without_rights(t *testing.T) {

	cv.Convey("registering outside the node's own register rights fails with ErrRights and announces nothing", t, func() {
		pub, priv := newTestAuthority()
		now := time.Now()
		// node123 may only host under node123/diagnostics.
		blobA := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node123/*", "node456/*"}, []string{"node123/diagnostics/*"})
		blobB := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node123/*", "node456/*"}, []string{"node456/*"})
		a := newTestNode("node123", pub, []string{blobA})
		b := newTestNode("node456", pub, []string{blobB})
		_, _, aEnd, _ := link(a, b)

		err := a.RegisterService("media/play", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(StatusOf(err), cv.ShouldEqual, StatusRights)
		cv.So(a.GetServices(), cv.ShouldResemble, []string{})
		cv.So(aEnd.w.pending(), cv.ShouldEqual, 0)

		err = a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(a.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})
	})
}

func Test058_disconnect_removes_remote_services(t *testing.T) {

	cv.Convey("Disconnect forces Closed and every remote entry the connection owned disappears", t, func() {
		a, b := twoNodes(time.Hour)
		_, bfd, _, _ := link(a, b)

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		cv.So(b.Disconnect(bfd), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{})
		cv.So(b.GetConnections(), cv.ShouldResemble, []int{})

		cv.So(StatusOf(b.Disconnect(bfd)), cv.ShouldEqual, StatusNoCmd)
	})
}

func Test059_close_releases_everything(t *testing.T) {

	cv.Convey("Close releases connections and registry state and later operations report shutdown", t, func() {
		a, b := twoNodes(time.Hour)
		link(a, b)

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)

		cv.So(a.Close(), cv.ShouldBeNil)
		cv.So(a.Close(), cv.ShouldBeNil) // idempotent
		cv.So(a.GetConnections(), cv.ShouldResemble, []int{})
		cv.So(a.GetServices(), cv.ShouldResemble, []string{})

		err = a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldEqual, ErrShutdown)
		_, err = a.Connect("localhost", "9007")
		cv.So(err, cv.ShouldEqual, ErrShutdown)
	})
}

func Test060_handshake_rejects_missing_credentials(t *testing.T) {

	cv.Convey("a peer that presents no verifiable credential never reaches Active", t, func() {
		pub, priv := newTestAuthority()
		otherPub, otherPriv := newTestAuthority()
		_ = otherPub
		now := time.Now()

		good := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node456/*"}, []string{"node123/*"})
		forged := mintBlob(otherPriv, "mallory", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node123/*"}, []string{"node456/*"})

		a := newTestNode("node123", pub, []string{good})
		// b's blob is signed by the wrong authority; a will
		// refuse it during the exchange.
		b := newTestNode("node456", pub, nil)
		b.credBlobs = []string{forged}

		aEnd, bEnd := newBufConnPair()
		ch := make(chan error, 1)
		go func() {
			_, err := b.adoptConn(bEnd, false)
			ch <- err
		}()
		_, err := a.adoptConn(aEnd, true)
		cv.So(StatusOf(err), cv.ShouldEqual, StatusNoCred)
		cv.So(a.GetConnections(), cv.ShouldResemble, []int{})
		<-ch
	})
}

func Test061_credential_refresh_prunes_remote_entries(t *testing.T) {

	cv.Convey("replacing a peer's credential set drops the remote services the new set no longer covers", t, func() {
		pub, priv := newTestAuthority()
		now := time.Now()
		blobA := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node123/*", "node456/*"}, []string{"node123/*"})
		blobB := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node123/*", "node456/*"}, []string{"node456/*"})
		a := newTestNode("node123", pub, []string{blobA})
		b := newTestNode("node456", pub, []string{blobB})
		_, bfd, aEnd, _ := link(a, b)

		err := a.RegisterService("diagnostics/read", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/diagnostics/read"})

		// a sends a fresh credential set with no register
		// rights at all; the announce-derived entry must go.
		narrow := mintBlob(priv, "authority", now.Add(-time.Hour), now.Add(time.Hour),
			[]string{"node456/*"}, nil)

		frame, err := appendFrame(nil, &Message{Kind: KindCredentials, Creds: []string{narrow}})
		panicOn(err)
		_, err = aEnd.Write(frame)
		panicOn(err)

		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{})

		c, ok := b.connection(bfd)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(c.state, cv.ShouldEqual, StateActive)
	})
}

func Test062_registration_cannot_escape_local_namespace(t *testing.T) {

	cv.Convey("a name carrying a foreign node prefix is re-qualified under the local id, so a node can never register into another node's name space", t, func() {
		a, b := twoNodes(time.Hour)
		_, bfd, _, _ := link(a, b)

		err := a.RegisterService("node999/hijack", func(fd int, data []byte, params gjson.RawMessage) {}, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(a.GetServices(), cv.ShouldResemble, []string{"node123/node999/hijack"})

		// the peer sees it under node123 too; node999 is untouched.
		cv.So(b.ProcessInput([]int{bfd}), cv.ShouldBeNil)
		cv.So(b.GetServices(), cv.ShouldResemble, []string{"node123/node999/hijack"})
	})
}
