// Package transport implements the Transport stage (spec §4.A, §6): it
// accepts one duplex client session, decodes client frames, and encodes
// server frames over the wire protocol in spec §6 — a 4-byte
// big-endian length prefix, a 1-byte kind tag, and a payload. Built on
// gorilla/websocket (the donor's transport library) as the underlying
// duplex byte channel; each logical wire message is carried as exactly
// one websocket binary message, so the length prefix is redundant under
// websocket framing but kept for spec fidelity to the wire format.
package transport

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the payload of a wire message (spec §6 table).
type Kind byte

const (
	KindAudioIn   Kind = 0x01
	KindAudioOut  Kind = 0x02
	KindControl   Kind = 0x10
	KindErrorWire Kind = 0x20
	KindSystem    Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindAudioIn:
		return "audio_in"
	case KindAudioOut:
		return "audio_out"
	case KindControl:
		return "control"
	case KindErrorWire:
		return "error"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

const headerLen = 5 // 4-byte length + 1-byte kind

// Encode produces one wire message: big-endian length of (kind +
// payload), the kind byte, then the payload.
func Encode(kind Kind, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+1))
	buf[4] = byte(kind)
	copy(buf[headerLen:], payload)
	return buf
}

// Decode parses one wire message body (as delivered by a single
// websocket binary message) into its kind and payload.
func Decode(raw []byte) (Kind, []byte, error) {
	if len(raw) < headerLen {
		return 0, nil, fmt.Errorf("transport: message too short (%d bytes)", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		return 0, nil, fmt.Errorf("transport: length mismatch: header says %d, got %d", length, len(raw)-4)
	}
	return Kind(raw[4]), raw[headerLen:], nil
}
