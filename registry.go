package rvi

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

// ServiceCallback runs when a peer (or the local node)
// invokes a locally registered service. fd identifies the
// connection the invoke arrived on (0 for a local invoke),
// serviceData is the opaque blob given at registration, and
// params is the raw JSON parameter value from the wire.
type ServiceCallback func(fd int, serviceData []byte, params gjson.RawMessage)

// ServiceEntry resolves a fully-qualified service name to
// either a local callback or the remote connection that owns
// the name. Exactly one of Callback/Owner is set.
type ServiceEntry struct {
	Name     string
	Callback ServiceCallback // local entries
	Data     []byte          // local entries: opaque user data
	Owner    *Connection     // remote entries
}

// IsLocal reports whether the entry is served by this node.
func (e *ServiceEntry) IsLocal() bool { return e.Owner == nil }

func (e *ServiceEntry) String() string {
	if e.IsLocal() {
		return fmt.Sprintf("ServiceEntry{%q local}", e.Name)
	}
	return fmt.Sprintf("ServiceEntry{%q remote fd %v}", e.Name, e.Owner.fd)
}

// registry is the combined local+remote service table. A
// name resolves to at most one entry at any instant; the
// last registration or announcement wins. Kept in an omap so
// snapshots come out in deterministic order.
type registry struct {
	byName *omap[string, *ServiceEntry]
}

func newRegistry() *registry {
	return &registry{byName: newOmap[string, *ServiceEntry]()}
}

func (r *registry) lookup(name string) (*ServiceEntry, bool) {
	return r.byName.get(name)
}

// detachPrior unhooks whatever currently owns name, so the
// last-writer-wins invariant holds across local/remote mixes.
func (r *registry) detachPrior(name string) {
	prior, found := r.byName.get(name)
	if found && !prior.IsLocal() {
		delete(prior.Owner.remote, name)
	}
}

// insertLocal installs (or replaces) a local entry.
func (r *registry) insertLocal(name string, cb ServiceCallback, data []byte) {
	r.detachPrior(name)
	r.byName.set(name, &ServiceEntry{Name: name, Callback: cb, Data: data})
}

// removeLocal removes a local entry. Remote-owned or unknown
// names are untouched and reported.
func (r *registry) removeLocal(name string) error {
	entry, found := r.byName.get(name)
	if !found {
		return fmt.Errorf("%w: %q is not registered", ErrNoCmd, name)
	}
	if !entry.IsLocal() {
		return fmt.Errorf("%w: %q is owned by remote fd %v, not local",
			ErrNoCmd, name, entry.Owner.fd)
	}
	r.byName.delkey(name)
	return nil
}

// insertRemote records name as owned by conn, replacing any
// prior owner (last announcement wins).
func (r *registry) insertRemote(conn *Connection, name string) {
	r.detachPrior(name)
	r.byName.set(name, &ServiceEntry{Name: name, Owner: conn})
	conn.remote[name] = true
}

// removeRemote drops name if and only if conn owns it.
func (r *registry) removeRemote(conn *Connection, name string) {
	entry, found := r.byName.get(name)
	if !found || entry.Owner != conn {
		return
	}
	r.byName.delkey(name)
	delete(conn.remote, name)
}

// removeConn drops every remote entry conn owns, e.g. on
// disconnect.
func (r *registry) removeConn(conn *Connection) {
	for name := range conn.remote {
		entry, found := r.byName.get(name)
		if found && entry.Owner == conn {
			r.byName.delkey(name)
		}
	}
	conn.remote = make(map[string]bool)
}

// listAll snapshots every qualified name, local and remote,
// in sorted order.
func (r *registry) listAll() (names []string) {
	names = make([]string, 0, r.byName.Len())
	for name := range r.byName.all() {
		names = append(names, name)
	}
	return names
}

// listLocal snapshots only locally served names.
func (r *registry) listLocal() (names []string) {
	for name, entry := range r.byName.all() {
		if entry.IsLocal() {
			names = append(names, name)
		}
	}
	return names
}
