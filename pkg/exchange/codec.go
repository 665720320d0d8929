package exchange

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

const (
	headerSize   = 5
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024
)

// WriteMessage serializes a Message to a writer using length-prefixed
// framing. Wire format:
//
//	[1B type]
//	[4B payload length big-endian uint32]
//	[N bytes payload]
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %dMB limit", maxPayloadMB)
	}

	var hdr [headerSize]byte
	hdr[0] = byte(msg.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(msg.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage deserializes a Message from a reader.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}

	msgType := MessageType(hdr[0])
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > maxPayload {
		return Message{}, fmt.Errorf("payload length %d exceeds %dMB limit", payloadLen, maxPayloadMB)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// Serialize encodes any payload type to bytes using GOB encoding. GOB is
// self-describing, so every peer decodes what every other peer encodes
// without a shared schema file.
func Serialize[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("serialize %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes bytes to the specified payload type. The type
// parameter T must match the type that was originally serialized.
func Deserialize[T any](data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("deserialize %T: %w", v, err)
	}
	return v, nil
}

// MustSerialize is like Serialize but panics on error. Use only when
// serialization failure is a programming error.
func MustSerialize[T any](v T) []byte {
	data, err := Serialize(v)
	if err != nil {
		panic(err)
	}
	return data
}
