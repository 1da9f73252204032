// Package wire implements the frame codec: zero-copy parsing of received
// frames and single-pass serializers for the forwarding hot paths.
//
// Every frame starts with a 14-byte common header:
//
//	to[6] | from[6] | 0x30 0x30
//
// followed by a packet type byte and a type-specific body. MAC addresses
// are raw bytes; all integers are little-endian. Durations travel as
// 8-byte unsigned microsecond counts measured from the emitter's boot
// instant; emitter and consumer must agree on the unit and this codec is
// the single place that fixes it.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

type PacketKind byte

const (
	PacketControl PacketKind = 0x00
	PacketData    PacketKind = 0x01
)

type ControlKind byte

const (
	ControlHeartbeat      ControlKind = 0x00
	ControlHeartbeatReply ControlKind = 0x01
)

type DataKind byte

const (
	DataUpstream   DataKind = 0x00
	DataDownstream DataKind = 0x01
)

const (
	magic0 = 0x30
	magic1 = 0x30

	headerLen = 14
	// bodyOffset is where the type-specific body starts for control and
	// data frames: common header + packet type + subtype.
	bodyOffset = headerLen + 2

	// HeartbeatLen is the exact size of a heartbeat frame:
	// header + types + duration[8] + id[4] + hops[4] + origin[6].
	HeartbeatLen = bodyOffset + 8 + 4 + 4 + 6
	// HeartbeatReplyLen is fixed:
	// header + types + duration[8] + id[4] + origin[6] + sender[6] +
	// hops[1] + padding[11]. The padding is written as zeros and ignored
	// on receive.
	HeartbeatReplyLen = bodyOffset + 8 + 4 + 6 + 6 + 1 + 11
	// UpstreamMinLen / DownstreamMinLen allow empty payloads.
	UpstreamMinLen   = bodyOffset + 6
	DownstreamMinLen = bodyOffset + 6 + 6

	replyPadding = 11
)

// Frame is a zero-copy view over a received buffer. Accessors are
// constant-time byte reads into the original slice; the Frame is only
// valid while the underlying buffer is.
type Frame struct {
	raw  []byte
	kind PacketKind
	ctl  ControlKind
	data DataKind
}

// Parse validates the common header and the declared type's minimum
// length and returns a borrowed view. It never allocates.
func Parse(b []byte) (Frame, error) {
	if len(b) < headerLen+1 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if b[12] != magic0 || b[13] != magic1 {
		return Frame{}, ErrBadMagic
	}
	f := Frame{raw: b, kind: PacketKind(b[14])}
	switch f.kind {
	case PacketControl:
		if len(b) < bodyOffset {
			return Frame{}, fmt.Errorf("%w: missing control type", ErrTooShort)
		}
		f.ctl = ControlKind(b[15])
		switch f.ctl {
		case ControlHeartbeat:
			if len(b) < HeartbeatLen {
				return Frame{}, fmt.Errorf("%w: heartbeat needs %d bytes, got %d", ErrTooShort, HeartbeatLen, len(b))
			}
			if f.Heartbeat().Hops() == 0 {
				return Frame{}, ErrBadHopCount
			}
		case ControlHeartbeatReply:
			if len(b) < HeartbeatReplyLen {
				return Frame{}, fmt.Errorf("%w: heartbeat reply needs %d bytes, got %d", ErrTooShort, HeartbeatReplyLen, len(b))
			}
		default:
			return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownControlType, b[15])
		}
	case PacketData:
		if len(b) < bodyOffset {
			return Frame{}, fmt.Errorf("%w: missing data type", ErrTooShort)
		}
		f.data = DataKind(b[15])
		switch f.data {
		case DataUpstream:
			if len(b) < UpstreamMinLen {
				return Frame{}, fmt.Errorf("%w: upstream needs %d bytes, got %d", ErrTooShort, UpstreamMinLen, len(b))
			}
		case DataDownstream:
			if len(b) < DownstreamMinLen {
				return Frame{}, fmt.Errorf("%w: downstream needs %d bytes, got %d", ErrTooShort, DownstreamMinLen, len(b))
			}
		default:
			return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownDataType, b[15])
		}
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, b[14])
	}
	return f, nil
}

func (f Frame) To() state.MacAddress   { return state.MacFromSlice(f.raw[0:6]) }
func (f Frame) From() state.MacAddress { return state.MacFromSlice(f.raw[6:12]) }
func (f Frame) Kind() PacketKind       { return f.kind }

// Control returns the control subtype; meaningful only for PacketControl.
func (f Frame) Control() ControlKind { return f.ctl }

// Data returns the data subtype; meaningful only for PacketData.
func (f Frame) Data() DataKind { return f.data }

// Heartbeat reinterprets the frame body. Only call after Parse reported
// PacketControl / ControlHeartbeat.
func (f Frame) Heartbeat() Heartbeat { return Heartbeat{raw: f.raw} }

func (f Frame) HeartbeatReply() HeartbeatReply { return HeartbeatReply{raw: f.raw} }

func (f Frame) Upstream() Upstream { return Upstream{raw: f.raw} }

func (f Frame) Downstream() Downstream { return Downstream{raw: f.raw} }

// Heartbeat is a view over a heartbeat frame body.
type Heartbeat struct{ raw []byte }

// SentAt is the origin's boot-relative emission time.
func (h Heartbeat) SentAt() time.Duration {
	us := binary.LittleEndian.Uint64(h.raw[bodyOffset : bodyOffset+8])
	return time.Duration(us) * time.Microsecond
}

func (h Heartbeat) ID() uint32 {
	return binary.LittleEndian.Uint32(h.raw[bodyOffset+8 : bodyOffset+12])
}

func (h Heartbeat) Hops() uint32 {
	return binary.LittleEndian.Uint32(h.raw[bodyOffset+12 : bodyOffset+16])
}

func (h Heartbeat) Origin() state.MacAddress {
	return state.MacFromSlice(h.raw[bodyOffset+16 : bodyOffset+22])
}

// sentAtBytes exposes the raw duration field for zero-copy re-emission.
func (h Heartbeat) sentAtBytes() []byte { return h.raw[bodyOffset : bodyOffset+8] }
func (h Heartbeat) idBytes() []byte     { return h.raw[bodyOffset+8 : bodyOffset+12] }
func (h Heartbeat) originBytes() []byte { return h.raw[bodyOffset+16 : bodyOffset+22] }

// HeartbeatReply is a view over a reply frame body.
type HeartbeatReply struct{ raw []byte }

func (r HeartbeatReply) SentAt() time.Duration {
	us := binary.LittleEndian.Uint64(r.raw[bodyOffset : bodyOffset+8])
	return time.Duration(us) * time.Microsecond
}

func (r HeartbeatReply) ID() uint32 {
	return binary.LittleEndian.Uint32(r.raw[bodyOffset+8 : bodyOffset+12])
}

func (r HeartbeatReply) Origin() state.MacAddress {
	return state.MacFromSlice(r.raw[bodyOffset+12 : bodyOffset+18])
}

// Sender is the node that emitted this reply, as opposed to Origin which
// is the RSU that initiated the heartbeat being answered.
func (r HeartbeatReply) Sender() state.MacAddress {
	return state.MacFromSlice(r.raw[bodyOffset+18 : bodyOffset+24])
}

func (r HeartbeatReply) Hops() uint8 { return r.raw[bodyOffset+24] }

func (r HeartbeatReply) sentAtBytes() []byte { return r.raw[bodyOffset : bodyOffset+8] }
func (r HeartbeatReply) idBytes() []byte     { return r.raw[bodyOffset+8 : bodyOffset+12] }
func (r HeartbeatReply) originBytes() []byte { return r.raw[bodyOffset+12 : bodyOffset+18] }
func (r HeartbeatReply) senderBytes() []byte { return r.raw[bodyOffset+18 : bodyOffset+24] }

// Upstream is a view over an OBU-to-RSU data frame body.
type Upstream struct{ raw []byte }

// Origin is the OBU that encapsulated the client frame.
func (u Upstream) Origin() state.MacAddress {
	return state.MacFromSlice(u.raw[bodyOffset : bodyOffset+6])
}

// Payload is the encapsulated client frame, possibly encrypted.
func (u Upstream) Payload() []byte { return u.raw[bodyOffset+6:] }

func (u Upstream) originBytes() []byte { return u.raw[bodyOffset : bodyOffset+6] }

// Downstream is a view over an RSU-to-OBU data frame body.
type Downstream struct{ raw []byte }

func (d Downstream) Origin() state.MacAddress {
	return state.MacFromSlice(d.raw[bodyOffset : bodyOffset+6])
}

// Destination is the delivery target. It stays plaintext even with
// payload encryption so intermediate nodes can route and recipients can
// recognize broadcast without a key.
func (d Downstream) Destination() state.MacAddress {
	return state.MacFromSlice(d.raw[bodyOffset+6 : bodyOffset+12])
}

func (d Downstream) Payload() []byte { return d.raw[bodyOffset+12:] }

func (d Downstream) originBytes() []byte      { return d.raw[bodyOffset : bodyOffset+6] }
func (d Downstream) destinationBytes() []byte { return d.raw[bodyOffset+6 : bodyOffset+12] }
