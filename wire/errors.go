package wire

import "errors"

var (
	// ErrTooShort is returned when fewer bytes are present than the
	// minimum for the declared frame type.
	ErrTooShort = errors.New("frame too short")
	// ErrBadMagic is returned when the protocol marker is missing.
	ErrBadMagic = errors.New("bad protocol magic")

	ErrUnknownPacketType  = errors.New("unknown packet type")
	ErrUnknownControlType = errors.New("unknown control type")
	ErrUnknownDataType    = errors.New("unknown data type")

	// ErrBadHopCount rejects heartbeats advertising zero hops; origins
	// emit hops=1 and every forward increments.
	ErrBadHopCount = errors.New("heartbeat hop count must be at least 1")
)
