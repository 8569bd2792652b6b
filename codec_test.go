package rvi

import (
	"encoding/binary"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/greenpack/msgp"
)

// rawFrame length-prefixes an already-encoded envelope body.
func rawFrame(body []byte) []byte {
	var pfx [lenPrefixBytes]byte
	binary.BigEndian.PutUint32(pfx[:], uint32(len(body)))
	return append(pfx[:], body...)
}

func Test010_frame_roundtrip_each_kind(t *testing.T) {

	cv.Convey("every message kind survives a frame encode/decode round trip with its fields intact", t, func() {
		msgs := []*Message{
			{Kind: KindHello, Node: "node123", Version: protoVersion},
			{Kind: KindCredentials, Creds: []string{"blobA", "blobB"}},
			{Kind: KindServiceAnnounce, Services: []string{"node123/a", "node123/b"}},
			{Kind: KindServiceUnannounce, Services: []string{"node123/a"}},
			{Kind: KindInvoke, Service: "node123/diagnostics/read", Params: []byte(`{"ecu":"brake"}`)},
			{Kind: KindInvoke, Service: "node123/diagnostics/read"}, // no params
			{Kind: KindPing},
		}
		for _, want := range msgs {
			frame, err := appendFrame(nil, want)
			cv.So(err, cv.ShouldBeNil)

			got, rest, err := decodeFrame(frame)
			cv.So(err, cv.ShouldBeNil)
			cv.So(len(rest), cv.ShouldEqual, 0)
			cv.So(got.Kind, cv.ShouldEqual, want.Kind)
			cv.So(got.Node, cv.ShouldEqual, want.Node)
			cv.So(got.Version, cv.ShouldEqual, want.Version)
			cv.So(got.Creds, cv.ShouldResemble, want.Creds)
			cv.So(got.Services, cv.ShouldResemble, want.Services)
			cv.So(got.Service, cv.ShouldEqual, want.Service)
			cv.So(string(got.Params), cv.ShouldEqual, string(want.Params))
		}
	})
}

func Test011_partial_and_back_to_back_frames(t *testing.T) {

	cv.Convey("a partial frame reports errShortFrame at every byte boundary, and two frames in one buffer decode in order", t, func() {
		f1, err := appendFrame(nil, &Message{Kind: KindPing})
		cv.So(err, cv.ShouldBeNil)
		f2, err := appendFrame(nil, &Message{Kind: KindServiceAnnounce, Services: []string{"node123/a"}})
		cv.So(err, cv.ShouldBeNil)

		for i := 0; i < len(f1); i++ {
			_, rest, err := decodeFrame(f1[:i])
			cv.So(err, cv.ShouldEqual, errShortFrame)
			cv.So(len(rest), cv.ShouldEqual, i) // buffer kept as-is
		}

		both := append(append([]byte{}, f1...), f2...)
		m1, rest, err := decodeFrame(both)
		cv.So(err, cv.ShouldBeNil)
		cv.So(m1.Kind, cv.ShouldEqual, KindPing)

		m2, rest, err := decodeFrame(rest)
		cv.So(err, cv.ShouldBeNil)
		cv.So(m2.Kind, cv.ShouldEqual, KindServiceAnnounce)
		cv.So(m2.Services, cv.ShouldResemble, []string{"node123/a"})
		cv.So(len(rest), cv.ShouldEqual, 0)
	})
}

func Test012_frame_protocol_violations(t *testing.T) {

	cv.Convey("malformed frames map to the right status and never to errShortFrame", t, func() {

		status := func(frame []byte) int {
			_, _, err := decodeFrame(frame)
			cv.So(err, cv.ShouldNotBeNil)
			cv.So(err, cv.ShouldNotEqual, errShortFrame)
			return StatusOf(err)
		}

		// unknown command: the one violation that is NoCmd.
		body := msgp.AppendMapHeader(nil, 1)
		body = msgp.AppendString(body, fieldCmd)
		body = msgp.AppendInt(body, 99)
		cv.So(status(rawFrame(body)), cv.ShouldEqual, StatusNoCmd)

		// mandatory field missing per kind.
		missing := []*Message{
			{Kind: KindHello},              // no node id
			{Kind: KindServiceAnnounce},    // no services
			{Kind: KindServiceUnannounce},  // no services
			{Kind: KindInvoke},             // no service name
		}
		for _, m := range missing {
			cv.So(status(rawFrame(encodeMessage(nil, m))), cv.ShouldEqual, StatusStreamEnd)
		}

		// envelope without a cmd field at all.
		body = msgp.AppendMapHeader(nil, 1)
		body = msgp.AppendString(body, fieldNode)
		body = msgp.AppendString(body, "node123")
		cv.So(status(rawFrame(body)), cv.ShouldEqual, StatusStreamEnd)

		// envelope that is not a msgpack map.
		cv.So(status(rawFrame(msgp.AppendString(nil, "junk"))), cv.ShouldEqual, StatusStreamEnd)

		// declared length over the frame cap.
		var huge [lenPrefixBytes]byte
		binary.BigEndian.PutUint32(huge[:], maxMessage+1)
		cv.So(status(huge[:]), cv.ShouldEqual, StatusStreamEnd)
	})
}

func Test013_unknown_envelope_fields_are_skipped(t *testing.T) {

	cv.Convey("fields a newer peer might send are skipped, keeping the protocol forward compatible", t, func() {
		body := msgp.AppendMapHeader(nil, 3)
		body = msgp.AppendString(body, "trace")
		body = msgp.AppendString(body, "abc-123")
		body = msgp.AppendString(body, fieldCmd)
		body = msgp.AppendInt(body, int(KindHello))
		body = msgp.AppendString(body, fieldNode)
		body = msgp.AppendString(body, "node123")

		m, rest, err := decodeFrame(rawFrame(body))
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(rest), cv.ShouldEqual, 0)
		cv.So(m.Kind, cv.ShouldEqual, KindHello)
		cv.So(m.Node, cv.ShouldEqual, "node123")
	})
}
