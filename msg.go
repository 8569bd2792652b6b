package rvi

import (
	"fmt"
)

// MsgKind identifies the protocol command a frame carries.
type MsgKind int

const (
	KindNone MsgKind = 0

	KindHello             MsgKind = 1 // first frame each way: node id + proto version
	KindCredentials       MsgKind = 2 // credential blobs
	KindServiceAnnounce   MsgKind = 3 // services newly available on the sender
	KindServiceUnannounce MsgKind = 4 // services withdrawn by the sender
	KindInvoke            MsgKind = 5 // invoke a service the receiver hosts
	KindPing              MsgKind = 6 // keep-alive, no-op on receipt
)

func (k MsgKind) String() string {
	switch k {
	case KindNone:
		return "KindNone"
	case KindHello:
		return "KindHello"
	case KindCredentials:
		return "KindCredentials"
	case KindServiceAnnounce:
		return "KindServiceAnnounce"
	case KindServiceUnannounce:
		return "KindServiceUnannounce"
	case KindInvoke:
		return "KindInvoke"
	case KindPing:
		return "KindPing"
	default:
		panic(fmt.Sprintf("need to update String() for MsgKind %v", int(k)))
	}
}

// protoVersion goes out in every hello.
const protoVersion = "1.0"

// Message is the unit of wire exchange. One struct covers
// every kind; only the fields the kind uses are encoded.
// Params stays as raw JSON so applications can pass
// arbitrary structured data through untouched.
type Message struct {
	Kind MsgKind

	Node    string // KindHello: sender's node id
	Version string // KindHello: protocol version

	Creds []string // KindCredentials

	Services []string // KindServiceAnnounce / KindServiceUnannounce

	Service string // KindInvoke: fully-qualified service name
	Params  []byte // KindInvoke: JSON-encoded parameters, may be empty
}

func (m *Message) String() string {
	return fmt.Sprintf("&rvi.Message{Kind:%v, Node:%q, Creds:%v, Services:%v, Service:%q, len %v Params}",
		m.Kind, m.Node, len(m.Creds), m.Services, m.Service, len(m.Params))
}

// validate enforces the mandatory fields for each kind.
// A violation here means the peer broke protocol and the
// connection must close.
func (m *Message) validate() error {
	switch m.Kind {
	case KindHello:
		if m.Node == "" {
			return fmt.Errorf("%w: hello without node id", ErrStreamEnd)
		}
	case KindCredentials:
		// an empty list is legal on the wire; it fails
		// verification later with ErrNoCred.
	case KindServiceAnnounce, KindServiceUnannounce:
		if len(m.Services) == 0 {
			return fmt.Errorf("%w: %v without services", ErrStreamEnd, m.Kind)
		}
	case KindInvoke:
		if m.Service == "" {
			return fmt.Errorf("%w: invoke without a service name", ErrStreamEnd)
		}
	case KindPing:
	default:
		return fmt.Errorf("%w: unrecognized message kind %v", ErrNoCmd, int(m.Kind))
	}
	return nil
}
