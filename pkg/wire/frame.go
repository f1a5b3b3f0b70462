package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Frame format (network byte order):
//
//	+----------------+---------------------+
//	| length:  u32   | payload: length B   |
//	+----------------+---------------------+
//
// length is the exact byte count of the UTF-8 JSON payload.
const frameHeaderBytes = 4

// DefaultMaxMessageBytes bounds the total frame size (header + payload).
const DefaultMaxMessageBytes = 10 * 1024 * 1024

var (
	// ErrFrameTooLarge reports a frame exceeding the configured bound.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
	// ErrUnknownMessageType reports an unrecognized envelope tag.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrUnknownRequestKind reports an unrecognized request operation.
	ErrUnknownRequestKind = errors.New("unknown request kind")
)

// Encode serializes m into a length-prefixed frame, enforcing maxBytes on
// the total frame size. maxBytes <= 0 applies the default bound.
func Encode(m *Message, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if frameHeaderBytes+len(payload) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameHeaderBytes+len(payload))
	}
	frame := make([]byte, frameHeaderBytes+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderBytes:], payload)
	return frame, nil
}

// Decode parses one JSON payload into a Message.
func Decode(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessage frames and writes m to w.
func WriteMessage(w io.Writer, m *Message, maxBytes int) error {
	frame, err := Encode(m, maxBytes)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed frame from r and decodes it.
func ReadMessage(r io.Reader, maxBytes int) (*Message, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int(length)+frameHeaderBytes > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, int(length)+frameHeaderBytes)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}
