/*
Package rvi implements node-to-node service interaction:
a local process exposes named services to remote peers over
an authenticated, encrypted transport, discovers the services
peers offer, and invokes them with structured JSON parameters.
Who may see or call which service is decided by signed
credentials carrying (pattern, direction) rights.

A node holds one Context. Connect drives a peer link through
transport connect, TLS upgrade, and credential exchange, and
only returns once the link is Active. Registering a local
service announces it to every Active peer whose credentials
cover invoking it; announcements arriving from peers pass the
same rights filter before they land in the shared registry.

The library is deliberately single-threaded and caller
driven: it never spawns goroutines and blocks only inside the
call you make. Run your own level-triggered poll loop over
GetConnections() and hand the readable descriptors to
ProcessInput, which reads exactly one message per descriptor
per call.

	x, err := rvi.Init("conf.json")
	fd, err := x.Connect("remote.example.com", "9007")
	err = x.RegisterService("diagnostics/read", onRead, nil)
	err = x.InvokeService("genivi.org/node/42/climate/set",
		map[string]any{"temp": 22})
	err = x.ProcessInput([]int{fd})

Wire frames are 4-byte big-endian length-prefixed msgpack
maps; credentials are base64url(claims).base64url(ed25519
signature) blobs minted by a provisioning authority whose
public key every node carries.
*/
package rvi
