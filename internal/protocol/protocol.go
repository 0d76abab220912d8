// Package protocol implements the fixed binary framing described in the
// wire protocol: a small set of control messages plus length-prefix-free
// tile data frames, all little-endian. Encoding is used by the client to
// build outbound frames; classification and decoding turn inbound bytes
// into a typed, tagged-union Frame.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Kind is the leading byte of every control-message frame. Tile data frames
// intentionally carry no kind byte (see Classify).
type Kind byte

const (
	KindOpen         Kind = 1
	KindUpdate       Kind = 2
	KindClose        Kind = 3
	KindClearCache   Kind = 4
	KindRequestTile  Kind = 5
	KindOpenResponse Kind = 6
	KindProgress     Kind = 7
	KindRateLimited  Kind = 8
	KindSlideCreated Kind = 9
)

const (
	uuidSize = 16
	// progressSize is the fixed length of a Progress frame: kind(1) id(16) steps(4) total(4).
	progressSize = 1 + uuidSize + 4 + 4
	// openResponseSize is the fixed length of an OpenResponse frame: kind(1) slot(1) id(16).
	openResponseSize = 2 + uuidSize
	// tileHeaderSize is the fixed header length of a Tile data frame: slot(1) x(4) y(4) level(4).
	tileHeaderSize = 1 + 4 + 4 + 4
)

// ErrMalformedFrame is returned when a frame's length contradicts its
// apparent classification. Per §4.A/§7 this is a silently recoverable
// failure: callers drop the frame and fire no callback.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// --- Outbound (client -> server) messages ---

// Open requests that the server begin streaming a newly opened slide.
type Open struct {
	DPI    float32
	ID     uuid.UUID
	Width  uint32
	Height uint32
	Levels uint32
}

// EncodeOpen serializes an Open message.
func EncodeOpen(m Open) []byte {
	buf := make([]byte, 1+4+uuidSize+4+4+4)
	buf[0] = byte(KindOpen)
	binary.LittleEndian.PutUint32(buf[1:5], float32bits(m.DPI))
	copy(buf[5:5+uuidSize], m.ID[:])
	off := 5 + uuidSize
	binary.LittleEndian.PutUint32(buf[off:off+4], m.Width)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], m.Height)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], m.Levels)
	return buf
}

// Update reports the client's current viewport for a slot.
type Update struct {
	Slot   byte
	X, Y   float32
	Width  uint32
	Height uint32
	Zoom   float32
}

// EncodeUpdate serializes an Update message.
func EncodeUpdate(m Update) []byte {
	buf := make([]byte, 1+1+4+4+4+4+4)
	buf[0] = byte(KindUpdate)
	buf[1] = m.Slot
	binary.LittleEndian.PutUint32(buf[2:6], float32bits(m.X))
	binary.LittleEndian.PutUint32(buf[6:10], float32bits(m.Y))
	binary.LittleEndian.PutUint32(buf[10:14], m.Width)
	binary.LittleEndian.PutUint32(buf[14:18], m.Height)
	binary.LittleEndian.PutUint32(buf[18:22], float32bits(m.Zoom))
	return buf
}

// Close requests that the server stop streaming the image with the given id.
type Close struct {
	ID uuid.UUID
}

// EncodeClose serializes a Close message.
func EncodeClose(m Close) []byte {
	buf := make([]byte, 1+uuidSize)
	buf[0] = byte(KindClose)
	copy(buf[1:], m.ID[:])
	return buf
}

// ClearCache asks the server to drop any cache it holds for a slot.
type ClearCache struct {
	Slot byte
}

// EncodeClearCache serializes a ClearCache message.
func EncodeClearCache(m ClearCache) []byte {
	return []byte{byte(KindClearCache), m.Slot}
}

// RequestTile asks the server to (re)send a specific tile.
type RequestTile struct {
	Slot        byte
	X, Y, Level uint32
}

// EncodeRequestTile serializes a RequestTile message.
func EncodeRequestTile(m RequestTile) []byte {
	buf := make([]byte, 1+1+4+4+4)
	buf[0] = byte(KindRequestTile)
	buf[1] = m.Slot
	binary.LittleEndian.PutUint32(buf[2:6], m.X)
	binary.LittleEndian.PutUint32(buf[6:10], m.Y)
	binary.LittleEndian.PutUint32(buf[10:14], m.Level)
	return buf
}

// --- Inbound (server -> client) messages ---

// OpenResponse confirms a slot assignment for a previously opened image.
type OpenResponse struct {
	Slot byte
	ID   uuid.UUID
}

// Progress reports server-side loading progress for an image.
type Progress struct {
	ID    uuid.UUID
	Steps int32
	Total int32
}

// RateLimited signals that the server wants the client to suppress tile
// requests for a cooldown period (§4.B, duration is a client-side constant).
type RateLimited struct{}

// SlideCreated carries a JSON payload describing a newly available slide.
type SlideCreated struct {
	ID       string `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Filename string `json:"filename"`
	FullSize int64  `json:"full_size"`
	URL      string `json:"url"`
}

// Tile carries an encoded tile payload for a slot.
type Tile struct {
	Slot        byte
	X, Y, Level uint32
	Payload     []byte
}

// FrameKind tags which variant an inbound Frame holds.
type FrameKind int

const (
	FrameOpenResponse FrameKind = iota
	FrameProgress
	FrameRateLimited
	FrameSlideCreated
	FrameTile
)

// Frame is the closed union of everything the client can receive.
// Exactly one of the typed fields is populated, selected by Kind.
type Frame struct {
	Kind         FrameKind
	OpenResponse OpenResponse
	Progress     Progress
	RateLimited  RateLimited
	SlideCreated SlideCreated
	Tile         Tile
}

// Classify inspects an inbound frame's length and leading byte and decodes
// it into a Frame. Exact-length comparisons are required for the
// fixed-length types because a tile frame's leading byte (a slot number)
// may numerically coincide with a control-message Kind.
func Classify(b []byte) (Frame, error) {
	switch {
	case len(b) == 1 && Kind(b[0]) == KindRateLimited:
		return Frame{Kind: FrameRateLimited}, nil

	case len(b) == openResponseSize && Kind(b[0]) == KindOpenResponse:
		var id uuid.UUID
		copy(id[:], b[2:2+uuidSize])
		return Frame{Kind: FrameOpenResponse, OpenResponse: OpenResponse{Slot: b[1], ID: id}}, nil

	case len(b) == progressSize && Kind(b[0]) == KindProgress:
		var id uuid.UUID
		copy(id[:], b[1:1+uuidSize])
		off := 1 + uuidSize
		steps := int32(binary.LittleEndian.Uint32(b[off : off+4]))
		total := int32(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		return Frame{Kind: FrameProgress, Progress: Progress{ID: id, Steps: steps, Total: total}}, nil

	case len(b) >= 2 && Kind(b[0]) == KindSlideCreated:
		var sc SlideCreated
		if err := json.Unmarshal(b[1:], &sc); err != nil {
			return Frame{}, fmt.Errorf("%w: slide-created payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Kind: FrameSlideCreated, SlideCreated: sc}, nil

	default:
		if len(b) < tileHeaderSize {
			return Frame{}, fmt.Errorf("%w: tile frame too short (%d bytes)", ErrMalformedFrame, len(b))
		}
		slot := b[0]
		x := binary.LittleEndian.Uint32(b[1:5])
		y := binary.LittleEndian.Uint32(b[5:9])
		level := binary.LittleEndian.Uint32(b[9:13])
		payload := append([]byte(nil), b[13:]...)
		return Frame{Kind: FrameTile, Tile: Tile{Slot: slot, X: x, Y: y, Level: level, Payload: payload}}, nil
	}
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}
