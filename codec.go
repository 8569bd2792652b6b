package rvi

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/glycerine/greenpack/msgp"
)

const (
	maxMessage = 1024 * 1024 // 1MB max frame, prevents runaway allocations.

	lenPrefixBytes = 4
)

// errShortFrame says the buffer does not yet hold a complete
// frame. Not a protocol error: the caller reads more bytes
// and retries.
var errShortFrame = fmt.Errorf("short frame: need more bytes")

// greenpack's byte-level readers hang off a NilBitsStack; we
// never push nils so the zero value serves every decode.
var nbs = &msgp.NilBitsStack{}

// =========================
//
// frame structure
//
// 1. length: first 4 bytes, big endian uint32: byte length
//    of the envelope that follows.
//
// 2. envelope: a msgpack map {field -> value}. The "cmd"
//    field is mandatory and selects the Message kind; the
//    other fields are kind-specific. Unknown fields are
//    skipped for forward compatibility.
//
// =========================

const (
	fieldCmd      = "cmd"
	fieldNode     = "node"
	fieldVersion  = "ver"
	fieldCreds    = "creds"
	fieldServices = "svcs"
	fieldService  = "svc"
	fieldParams   = "parms"
)

// encodeMessage appends the msgpack envelope for m to dst.
func encodeMessage(dst []byte, m *Message) []byte {
	n := uint32(1) // cmd
	if m.Node != "" {
		n++
	}
	if m.Version != "" {
		n++
	}
	if m.Creds != nil {
		n++
	}
	if m.Services != nil {
		n++
	}
	if m.Service != "" {
		n++
	}
	if len(m.Params) > 0 {
		n++
	}
	dst = msgp.AppendMapHeader(dst, n)
	dst = msgp.AppendString(dst, fieldCmd)
	dst = msgp.AppendInt(dst, int(m.Kind))
	if m.Node != "" {
		dst = msgp.AppendString(dst, fieldNode)
		dst = msgp.AppendString(dst, m.Node)
	}
	if m.Version != "" {
		dst = msgp.AppendString(dst, fieldVersion)
		dst = msgp.AppendString(dst, m.Version)
	}
	if m.Creds != nil {
		dst = msgp.AppendString(dst, fieldCreds)
		dst = msgp.AppendArrayHeader(dst, uint32(len(m.Creds)))
		for _, c := range m.Creds {
			dst = msgp.AppendString(dst, c)
		}
	}
	if m.Services != nil {
		dst = msgp.AppendString(dst, fieldServices)
		dst = msgp.AppendArrayHeader(dst, uint32(len(m.Services)))
		for _, s := range m.Services {
			dst = msgp.AppendString(dst, s)
		}
	}
	if m.Service != "" {
		dst = msgp.AppendString(dst, fieldService)
		dst = msgp.AppendString(dst, m.Service)
	}
	if len(m.Params) > 0 {
		dst = msgp.AppendString(dst, fieldParams)
		dst = msgp.AppendBytes(dst, m.Params)
	}
	return dst
}

// decodeMessage parses one msgpack envelope. Malformed
// msgpack or a missing mandatory field comes back wrapping
// ErrStreamEnd; an unrecognized kind wraps ErrNoCmd. Either
// way the owning connection must close.
func decodeMessage(body []byte) (*Message, error) {
	sz, rest, err := nbs.ReadMapHeaderBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not a map: %v", ErrStreamEnd, err)
	}
	m := &Message{Kind: KindNone}
	sawCmd := false
	for i := uint32(0); i < sz; i++ {
		var key string
		key, rest, err = nbs.ReadStringBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: bad field key: %v", ErrStreamEnd, err)
		}
		switch key {
		case fieldCmd:
			var cmd int
			cmd, rest, err = nbs.ReadIntBytes(rest)
			if err != nil {
				return nil, fmt.Errorf("%w: bad cmd: %v", ErrStreamEnd, err)
			}
			m.Kind = MsgKind(cmd)
			sawCmd = true
		case fieldNode:
			m.Node, rest, err = nbs.ReadStringBytes(rest)
		case fieldVersion:
			m.Version, rest, err = nbs.ReadStringBytes(rest)
		case fieldCreds:
			m.Creds, rest, err = readStringArray(rest)
		case fieldServices:
			m.Services, rest, err = readStringArray(rest)
		case fieldService:
			m.Service, rest, err = nbs.ReadStringBytes(rest)
		case fieldParams:
			m.Params, rest, err = nbs.ReadBytesBytes(rest, nil)
		default:
			// skip unknown fields
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad field %q: %v", ErrStreamEnd, key, err)
		}
	}
	if !sawCmd {
		return nil, fmt.Errorf("%w: envelope has no cmd field", ErrStreamEnd)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readStringArray(b []byte) (out []string, rest []byte, err error) {
	var sz uint32
	sz, rest, err = nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	out = make([]string, 0, sz)
	for i := uint32(0); i < sz; i++ {
		var s string
		s, rest, err = nbs.ReadStringBytes(rest)
		if err != nil {
			return nil, b, err
		}
		out = append(out, s)
	}
	return out, rest, nil
}

// appendFrame appends the length-prefixed frame for m to dst.
func appendFrame(dst []byte, m *Message) ([]byte, error) {
	body := encodeMessage(nil, m)
	if len(body) > maxMessage {
		return dst, fmt.Errorf("frame too large: %v bytes is over the %v limit", len(body), maxMessage)
	}
	var pfx [lenPrefixBytes]byte
	binary.BigEndian.PutUint32(pfx[:], uint32(len(body)))
	dst = append(dst, pfx[:]...)
	dst = append(dst, body...)
	return dst, nil
}

// decodeFrame tries to pull one complete frame off the front
// of buf. errShortFrame means keep buf and read more; any
// other error is a protocol violation. rest aliases buf.
func decodeFrame(buf []byte) (m *Message, rest []byte, err error) {
	if len(buf) < lenPrefixBytes {
		return nil, buf, errShortFrame
	}
	n := binary.BigEndian.Uint32(buf[:lenPrefixBytes])
	if n > maxMessage {
		return nil, buf, fmt.Errorf("%w: declared frame length %v is over the %v limit",
			ErrStreamEnd, n, maxMessage)
	}
	if len(buf) < lenPrefixBytes+int(n) {
		return nil, buf, errShortFrame
	}
	m, err = decodeMessage(buf[lenPrefixBytes : lenPrefixBytes+int(n)])
	if err != nil {
		return nil, buf, err
	}
	return m, buf[lenPrefixBytes+int(n):], nil
}

// writeFull writes all bytes in buf to conn.
func writeFull(conn net.Conn, buf []byte) error {
	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
