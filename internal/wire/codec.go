package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	magic0  byte = 0x4E
	magic1  byte = 0x50
	version byte = 1

	// HeaderSize is magic(2) + version(1) + kind(1).
	HeaderSize = 4
	// MaxFrameSize bounds a single datagram.
	MaxFrameSize = 1400
)

var (
	ErrShortFrame  = errors.New("wire: short frame")
	ErrBadMagic    = errors.New("wire: bad magic")
	ErrBadVersion  = errors.New("wire: unsupported version")
	ErrUnknownKind = errors.New("wire: unknown message kind")
	ErrTooLarge    = errors.New("wire: frame too large")
)

// IsFrame reports whether b starts with a catalogue frame header.
func IsFrame(b []byte) bool {
	return len(b) >= HeaderSize && b[0] == magic0 && b[1] == magic1
}

// Encode serializes m into a single datagram.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	if _, ok := kindNames[m.Kind()]; !ok {
		return nil, fmt.Errorf("encode: %w: %d", ErrUnknownKind, m.Kind())
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}

	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, magic0, magic1, version, byte(m.Kind()))
	frame = append(frame, body...)
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", m.Kind(), ErrTooLarge, len(frame))
	}
	return frame, nil
}

// Decode parses a datagram into its concrete message type.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, ErrBadMagic
	}
	if b[2] != version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b[2])
	}

	kind := Kind(b[3])
	body := b[HeaderSize:]
	switch kind {
	case KindClassificationRequest:
		return decodeAs[ClassificationRequest](kind, body)
	case KindClassificationResponse:
		return decodeAs[ClassificationResponse](kind, body)
	case KindRelayedClassification:
		return decodeAs[RelayedClassification](kind, body)
	case KindRegistration:
		return decodeAs[Registration](kind, body)
	case KindRegistrationAck:
		return decodeAs[RegistrationAck](kind, body)
	case KindRendezvousBroadcast:
		return decodeAs[RendezvousBroadcast](kind, body)
	case KindPunchRequest:
		return decodeAs[PunchRequest](kind, body)
	case KindPunchResponse:
		return decodeAs[PunchResponse](kind, body)
	case KindPrime:
		return decodeAs[Prime](kind, body)
	case KindHeartbeat:
		return decodeAs[Heartbeat](kind, body)
	case KindConsistencyCheckRequest:
		return decodeAs[ConsistencyCheckRequest](kind, body)
	case KindConsistencyCheckResponse:
		return decodeAs[ConsistencyCheckResponse](kind, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, b[3])
	}
}

func decodeAs[T Message](kind Kind, body []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}
