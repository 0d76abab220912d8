package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// DecodeOpen parses a client-encoded Open frame. A test server or protocol
// fuzz test uses this to verify EncodeOpen's output; a production client
// never decodes its own outbound frames.
func DecodeOpen(b []byte) (Open, error) {
	const want = 1 + 4 + uuidSize + 4 + 4 + 4
	if len(b) != want || Kind(b[0]) != KindOpen {
		return Open{}, fmt.Errorf("%w: open frame", ErrMalformedFrame)
	}
	var m Open
	m.DPI = math.Float32frombits(binary.LittleEndian.Uint32(b[1:5]))
	copy(m.ID[:], b[5:5+uuidSize])
	off := 5 + uuidSize
	m.Width = binary.LittleEndian.Uint32(b[off : off+4])
	m.Height = binary.LittleEndian.Uint32(b[off+4 : off+8])
	m.Levels = binary.LittleEndian.Uint32(b[off+8 : off+12])
	return m, nil
}

// DecodeUpdate parses a client-encoded Update frame.
func DecodeUpdate(b []byte) (Update, error) {
	const want = 1 + 1 + 4 + 4 + 4 + 4 + 4
	if len(b) != want || Kind(b[0]) != KindUpdate {
		return Update{}, fmt.Errorf("%w: update frame", ErrMalformedFrame)
	}
	var m Update
	m.Slot = b[1]
	m.X = math.Float32frombits(binary.LittleEndian.Uint32(b[2:6]))
	m.Y = math.Float32frombits(binary.LittleEndian.Uint32(b[6:10]))
	m.Width = binary.LittleEndian.Uint32(b[10:14])
	m.Height = binary.LittleEndian.Uint32(b[14:18])
	m.Zoom = math.Float32frombits(binary.LittleEndian.Uint32(b[18:22]))
	return m, nil
}

// DecodeClose parses a client-encoded Close frame.
func DecodeClose(b []byte) (Close, error) {
	const want = 1 + uuidSize
	if len(b) != want || Kind(b[0]) != KindClose {
		return Close{}, fmt.Errorf("%w: close frame", ErrMalformedFrame)
	}
	var m Close
	copy(m.ID[:], b[1:])
	return m, nil
}

// DecodeClearCache parses a client-encoded ClearCache frame.
func DecodeClearCache(b []byte) (ClearCache, error) {
	if len(b) != 2 || Kind(b[0]) != KindClearCache {
		return ClearCache{}, fmt.Errorf("%w: clear-cache frame", ErrMalformedFrame)
	}
	return ClearCache{Slot: b[1]}, nil
}

// DecodeRequestTile parses a client-encoded RequestTile frame.
func DecodeRequestTile(b []byte) (RequestTile, error) {
	const want = 1 + 1 + 4 + 4 + 4
	if len(b) != want || Kind(b[0]) != KindRequestTile {
		return RequestTile{}, fmt.Errorf("%w: request-tile frame", ErrMalformedFrame)
	}
	var m RequestTile
	m.Slot = b[1]
	m.X = binary.LittleEndian.Uint32(b[2:6])
	m.Y = binary.LittleEndian.Uint32(b[6:10])
	m.Level = binary.LittleEndian.Uint32(b[10:14])
	return m, nil
}

// EncodeOpenResponse serializes a server->client OpenResponse frame. Kept
// alongside the client-side encoders for use by test servers/fixtures.
func EncodeOpenResponse(m OpenResponse) []byte {
	buf := make([]byte, openResponseSize)
	buf[0] = byte(KindOpenResponse)
	buf[1] = m.Slot
	copy(buf[2:], m.ID[:])
	return buf
}

// EncodeProgress serializes a server->client Progress frame.
func EncodeProgress(m Progress) []byte {
	buf := make([]byte, progressSize)
	buf[0] = byte(KindProgress)
	copy(buf[1:1+uuidSize], m.ID[:])
	off := 1 + uuidSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(m.Steps))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(m.Total))
	return buf
}

// EncodeRateLimited serializes the single-byte RateLimited notification.
func EncodeRateLimited() []byte {
	return []byte{byte(KindRateLimited)}
}

// EncodeSlideCreated serializes a SlideCreated event.
func EncodeSlideCreated(m SlideCreated) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal slide-created: %w", err)
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(KindSlideCreated)
	copy(buf[1:], payload)
	return buf, nil
}

// EncodeTile serializes a server->client Tile data frame (no kind byte).
func EncodeTile(m Tile) []byte {
	buf := make([]byte, tileHeaderSize+len(m.Payload))
	buf[0] = m.Slot
	binary.LittleEndian.PutUint32(buf[1:5], m.X)
	binary.LittleEndian.PutUint32(buf[5:9], m.Y)
	binary.LittleEndian.PutUint32(buf[9:13], m.Level)
	copy(buf[tileHeaderSize:], m.Payload)
	return buf
}
