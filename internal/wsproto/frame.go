// Package wsproto implements the WebSocket handshake and frame codec used by
// the live queue endpoint: SHA-1 accept keys, opcode/length/mask framing and
// xor payload masking. Only the subset the queue transport needs is covered
// (single unfragmented frames, text/close/ping/pong opcodes).
package wsproto

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame opcodes, low nibble of the first header byte.
const (
	OpText  byte = 0x1
	OpClose byte = 0x8
	OpPing  byte = 0x9
	OpPong  byte = 0xA
)

// handshakeGUID is the fixed magic string every conforming peer appends to
// the client key before hashing.
const handshakeGUID = "258EAFA5-E914-47DA-95CA-5AB9FBF10A37"

// MaxPayload caps accepted frame sizes; a declared length beyond it is
// treated as a malformed frame.
const MaxPayload = 16 << 20

// AcceptKey computes the handshake accept token for a client-supplied key.
func AcceptKey(key string) string {
	digest := sha1.Sum([]byte(key + handshakeGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// ReadFrame decodes a single frame from r. Client-to-server frames carry a
// 4-byte mask key; the payload is unmasked before returning. A truncated read
// or an oversized declared length is an error, never a partial frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	opcode := header[0] & 0x0F
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("frame payload %d exceeds limit", length)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return Frame{}, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	return Frame{Opcode: opcode, Payload: payload}, nil
}

// WriteFrame encodes one unmasked frame with the FIN bit set. Server-to-client
// frames are never masked.
func WriteFrame(w io.Writer, opcode byte, payload []byte) error {
	_, err := w.Write(encode(opcode, payload, nil))
	return err
}

// WriteMaskedFrame encodes one frame masked with key, the client-to-server
// form of the protocol.
func WriteMaskedFrame(w io.Writer, opcode byte, payload []byte, key [4]byte) error {
	_, err := w.Write(encode(opcode, payload, key[:]))
	return err
}

func encode(opcode byte, payload, mask []byte) []byte {
	frame := make([]byte, 0, len(payload)+14)
	frame = append(frame, 0x80|opcode)

	maskBit := byte(0)
	if mask != nil {
		maskBit = 0x80
	}
	switch length := len(payload); {
	case length < 126:
		frame = append(frame, maskBit|byte(length))
	case length < 65536:
		frame = append(frame, maskBit|126)
		frame = binary.BigEndian.AppendUint16(frame, uint16(length))
	default:
		frame = append(frame, maskBit|127)
		frame = binary.BigEndian.AppendUint64(frame, uint64(length))
	}
	if mask == nil {
		return append(frame, payload...)
	}
	frame = append(frame, mask...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	return frame
}
