package wire

import (
	"encoding/binary"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// General serializers. Each sizes its buffer up-front and writes the frame
// in one pass; output is the single canonical byte sequence for the frame.

func appendHeader(dst []byte, to, from state.MacAddress, kind PacketKind, sub byte) []byte {
	dst = append(dst, to[:]...)
	dst = append(dst, from[:]...)
	dst = append(dst, magic0, magic1, byte(kind), sub)
	return dst
}

func appendMicros(dst []byte, d time.Duration) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(d.Microseconds()))
}

// NewHeartbeat builds a heartbeat frame. Origins emit hops=1.
func NewHeartbeat(to, from state.MacAddress, sentAt time.Duration, id, hops uint32, origin state.MacAddress) []byte {
	buf := make([]byte, 0, HeartbeatLen)
	buf = appendHeader(buf, to, from, PacketControl, byte(ControlHeartbeat))
	buf = appendMicros(buf, sentAt)
	buf = binary.LittleEndian.AppendUint32(buf, id)
	buf = binary.LittleEndian.AppendUint32(buf, hops)
	buf = append(buf, origin[:]...)
	return buf
}

// NewHeartbeatReply builds a reply frame from semantic fields. The 11
// trailing padding bytes are zero.
func NewHeartbeatReply(to, from state.MacAddress, sentAt time.Duration, id uint32, origin, sender state.MacAddress, hops uint8) []byte {
	buf := make([]byte, 0, HeartbeatReplyLen)
	buf = appendHeader(buf, to, from, PacketControl, byte(ControlHeartbeatReply))
	buf = appendMicros(buf, sentAt)
	buf = binary.LittleEndian.AppendUint32(buf, id)
	buf = append(buf, origin[:]...)
	buf = append(buf, sender[:]...)
	buf = append(buf, hops)
	var pad [replyPadding]byte
	buf = append(buf, pad[:]...)
	return buf
}

func NewUpstream(to, from, origin state.MacAddress, payload []byte) []byte {
	buf := make([]byte, 0, UpstreamMinLen+len(payload))
	buf = appendHeader(buf, to, from, PacketData, byte(DataUpstream))
	buf = append(buf, origin[:]...)
	buf = append(buf, payload...)
	return buf
}

func NewDownstream(to, from, origin, destination state.MacAddress, payload []byte) []byte {
	buf := make([]byte, 0, DownstreamMinLen+len(payload))
	buf = appendHeader(buf, to, from, PacketData, byte(DataDownstream))
	buf = append(buf, origin[:]...)
	buf = append(buf, destination[:]...)
	buf = append(buf, payload...)
	return buf
}

// Zero-copy forwarding serializers. Each borrows directly from a parsed
// view and writes the complete outgoing frame into dst in a single pass,
// producing byte-for-byte the same output as the general serializer for
// the equivalent logical frame.

// AppendHeartbeatForward re-emits a received heartbeat with a rewritten
// L2 from-field and the hop count incremented by one.
func AppendHeartbeatForward(dst []byte, hb Heartbeat, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketControl, byte(ControlHeartbeat))
	dst = append(dst, hb.sentAtBytes()...)
	dst = append(dst, hb.idBytes()...)
	dst = binary.LittleEndian.AppendUint32(dst, hb.Hops()+1)
	dst = append(dst, hb.originBytes()...)
	return dst
}

// AppendHeartbeatReply answers a received heartbeat on behalf of sender
// without materializing an intermediate reply object.
func AppendHeartbeatReply(dst []byte, hb Heartbeat, sender, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketControl, byte(ControlHeartbeatReply))
	dst = append(dst, hb.sentAtBytes()...)
	dst = append(dst, hb.idBytes()...)
	dst = append(dst, hb.originBytes()...)
	dst = append(dst, sender[:]...)
	hops := hb.Hops()
	if hops > 0xff {
		hops = 0xff
	}
	dst = append(dst, byte(hops))
	var pad [replyPadding]byte
	dst = append(dst, pad[:]...)
	return dst
}

// AppendHeartbeatReplyForward re-emits a received reply toward the
// recorded next upstream, rewriting only the L2 addressing.
func AppendHeartbeatReplyForward(dst []byte, r HeartbeatReply, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketControl, byte(ControlHeartbeatReply))
	dst = append(dst, r.sentAtBytes()...)
	dst = append(dst, r.idBytes()...)
	dst = append(dst, r.originBytes()...)
	dst = append(dst, r.senderBytes()...)
	dst = append(dst, r.Hops())
	var pad [replyPadding]byte
	dst = append(dst, pad[:]...)
	return dst
}

// AppendUpstreamForward re-emits a parsed upstream frame toward the next
// hop, borrowing origin and payload from the parsed view.
func AppendUpstreamForward(dst []byte, u Upstream, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketData, byte(DataUpstream))
	dst = append(dst, u.originBytes()...)
	dst = append(dst, u.Payload()...)
	return dst
}

// AppendDownstream builds a fresh downstream frame from an origin slice
// and payload, typically borrowed from a parsed upstream frame at the RSU.
func AppendDownstream(dst []byte, origin []byte, destination state.MacAddress, payload []byte, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketData, byte(DataDownstream))
	dst = append(dst, origin[:6]...)
	dst = append(dst, destination[:]...)
	dst = append(dst, payload...)
	return dst
}

// AppendDownstreamForward re-emits a parsed downstream frame toward the
// next hop on a multi-hop path.
func AppendDownstreamForward(dst []byte, d Downstream, from, to state.MacAddress) []byte {
	dst = appendHeader(dst, to, from, PacketData, byte(DataDownstream))
	dst = append(dst, d.originBytes()...)
	dst = append(dst, d.destinationBytes()...)
	dst = append(dst, d.Payload()...)
	return dst
}
