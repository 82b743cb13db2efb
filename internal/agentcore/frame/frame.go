// Package frame implements the binary wire framing used for audio and
// control messages on the client-facing WebSocket: a 4-byte big-endian
// header length, a UTF-8 JSON header, and a raw payload.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const headerLenBytes = 4

// Errors returned by Decode, matching the spec's named failure modes.
var (
	ErrFrameTooShort    = errors.New("frame: too short to contain a header length")
	ErrHeaderLenInvalid = errors.New("frame: declared header length exceeds frame size")
	ErrHeaderJSONInvalid = errors.New("frame: header is not valid JSON")
)

// Encode serializes header as canonical UTF-8 JSON, prepends its 4-byte
// big-endian length, and appends payload verbatim.
func Encode(header any, payload []byte) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal header: %w", err)
	}

	buf := make([]byte, headerLenBytes+len(headerBytes)+len(payload))
	binary.BigEndian.PutUint32(buf[:headerLenBytes], uint32(len(headerBytes)))
	copy(buf[headerLenBytes:], headerBytes)
	copy(buf[headerLenBytes+len(headerBytes):], payload)
	return buf, nil
}

// Decode splits a binary frame back into its header bytes and payload.
// Callers unmarshal the header bytes into whatever envelope shape they
// expect (Envelope, or a more specific struct).
func Decode(data []byte) (headerBytes, payload []byte, err error) {
	if len(data) < headerLenBytes {
		return nil, nil, ErrFrameTooShort
	}

	hdrLen := int(binary.BigEndian.Uint32(data[:headerLenBytes]))
	if hdrLen < 0 || len(data) < headerLenBytes+hdrLen {
		return nil, nil, ErrHeaderLenInvalid
	}

	headerBytes = data[headerLenBytes : headerLenBytes+hdrLen]
	if !json.Valid(headerBytes) {
		return nil, nil, ErrHeaderJSONInvalid
	}

	payload = data[headerLenBytes+hdrLen:]
	return headerBytes, payload, nil
}

// DecodeHeader decodes the frame and unmarshals its header into v.
func DecodeHeader(data []byte, v any) (payload []byte, err error) {
	headerBytes, payload, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(headerBytes, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderJSONInvalid, err)
	}
	return payload, nil
}
