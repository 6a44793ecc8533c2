// Package signal encodes and decodes the commands written to a peer's signal
// characteristic.
//
// Wire format:
//
//	[action: u8][value: u16 little-endian][payload: bytes, optional]
//
// For payload actions the value field carries the payload length; for
// ActionWriteRSSI it carries the signed RSSI and no payload follows.
package signal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed length of the action and value fields.
const HeaderSize = 3

// Action identifies the command carried by a signal write.
type Action byte

const (
	ActionWritePayload        Action = 1
	ActionWriteRSSI           Action = 2
	ActionWritePayloadSharing Action = 3
)

func (a Action) String() string {
	switch a {
	case ActionWritePayload:
		return "writePayload"
	case ActionWriteRSSI:
		return "writeRSSI"
	case ActionWritePayloadSharing:
		return "writePayloadSharing"
	default:
		return fmt.Sprintf("action(%d)", byte(a))
	}
}

// HasPayload reports whether the action carries trailing payload bytes.
func (a Action) HasPayload() bool {
	return a == ActionWritePayload || a == ActionWritePayloadSharing
}

func (a Action) valid() bool {
	return a == ActionWritePayload || a == ActionWriteRSSI || a == ActionWritePayloadSharing
}

var (
	ErrShortBuffer     = errors.New("signal data shorter than header")
	ErrUnknownAction   = errors.New("unknown signal action")
	ErrTruncated       = errors.New("signal payload truncated")
	ErrPayloadTooLarge = errors.New("signal payload exceeds 65535 bytes")
	ErrUnexpectedData  = errors.New("signal action does not carry a payload")
	ErrLengthMismatch  = errors.New("signal length does not match payload")
)

// Command is one decoded signal write.
type Command struct {
	Action  Action
	Value   int16
	Payload []byte
}

// WritePayload builds a payload command; Value is the payload length.
func WritePayload(payload []byte) Command {
	return Command{Action: ActionWritePayload, Value: int16(uint16(len(payload))), Payload: payload}
}

// WritePayloadSharing builds a payload-sharing command; Value is the payload length.
func WritePayloadSharing(payload []byte) Command {
	return Command{Action: ActionWritePayloadSharing, Value: int16(uint16(len(payload))), Payload: payload}
}

// WriteRSSI builds an RSSI command carrying the signed scalar.
func WriteRSSI(rssi int) Command {
	return Command{Action: ActionWriteRSSI, Value: int16(rssi)}
}

// Length returns the value field interpreted as an unsigned payload length.
func (c Command) Length() int {
	return int(uint16(c.Value))
}

// Encode serializes the command. For payload actions the value field must
// equal the payload length.
func Encode(c Command) ([]byte, error) {
	if !c.Action.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, byte(c.Action))
	}
	if !c.Action.HasPayload() && len(c.Payload) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedData, c.Action)
	}
	if len(c.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(c.Payload))
	}
	if c.Action.HasPayload() && c.Length() != len(c.Payload) {
		return nil, fmt.Errorf("%w: length %d, payload %d bytes", ErrLengthMismatch, c.Length(), len(c.Payload))
	}

	buf := make([]byte, HeaderSize+len(c.Payload))
	buf[0] = byte(c.Action)
	binary.LittleEndian.PutUint16(buf[1:HeaderSize], uint16(c.Value))
	copy(buf[HeaderSize:], c.Payload)
	return buf, nil
}

// Decode parses signal data. Payload is nil for zero-length payloads.
func Decode(data []byte) (Command, error) {
	if len(data) < HeaderSize {
		return Command{}, fmt.Errorf("%w: got %d bytes", ErrShortBuffer, len(data))
	}

	c := Command{
		Action: Action(data[0]),
		Value:  int16(binary.LittleEndian.Uint16(data[1:HeaderSize])),
	}
	if !c.Action.valid() {
		return Command{}, fmt.Errorf("%w: %d", ErrUnknownAction, data[0])
	}
	if !c.Action.HasPayload() {
		return c, nil
	}

	n := c.Length()
	if len(data)-HeaderSize < n {
		return Command{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncated, n, len(data)-HeaderSize)
	}
	if n > 0 {
		c.Payload = make([]byte, n)
		copy(c.Payload, data[HeaderSize:HeaderSize+n])
	}
	return c, nil
}
