// Package packet implements the wire frame carried inside one payment's
// data custom-record: "tube_id:packet_idx:base64(payload)" (spec §4.1).
package packet

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
)

// Reserved tube ids (spec §3).
const (
	// ControlTubeID addresses a session-level service message.
	ControlTubeID int64 = 0

	// DummyTubeID marks a cover-traffic packet with no tube destination.
	DummyTubeID int64 = -1
)

// ErrMalformedFrame is returned when a frame doesn't have the
// "tube:idx:payload" shape, a non-integer tube id/index, or invalid
// base64. Per spec §7 kind 3, the caller should drop the payment silently
// rather than propagate this further — not every inbound payment belongs
// to this tunnel.
var ErrMalformedFrame = errors.New("malformed tunnel frame")

// Packet is a decoded inbound frame.
type Packet struct {
	TubeID    int64
	PacketIdx uint64
	Payload   []byte
}

// Encode builds the frame placed in a payment's data custom-record. The
// payload is base64-encoded directly with no surrounding representation,
// per the redesign spec §9 directs (the Python original's `[2:-1]` repr
// slicing is not carried forward).
func Encode(tubeID int64, packetIdx uint64, payload []byte) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(tubeID, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(packetIdx, 10))
	b.WriteByte(':')
	b.WriteString(base64.StdEncoding.EncodeToString(payload))
	return []byte(b.String())
}

// Decode parses a frame built by Encode. It splits on ':' with a limit of
// three fields so that base64 payload bytes (which never contain ':') stay
// intact even though the split itself is limit-bounded defensively, per
// spec §4.1.
func Decode(frame []byte) (*Packet, error) {
	parts := strings.SplitN(string(frame), ":", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedFrame
	}

	tubeID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrMalformedFrame
	}

	packetIdx, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, ErrMalformedFrame
	}

	payload, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedFrame
	}

	return &Packet{
		TubeID:    tubeID,
		PacketIdx: packetIdx,
		Payload:   payload,
	}, nil
}
