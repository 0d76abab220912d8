package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRoundTrip(t *testing.T) {
	id := uuid.New()
	m := Open{DPI: 96.5, ID: id, Width: 8192, Height: 8192, Levels: 5}
	got, err := DecodeOpen(EncodeOpen(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUpdateRoundTrip(t *testing.T) {
	m := Update{Slot: 3, X: 12.5, Y: -4.25, Width: 1024, Height: 768, Zoom: 1.5}
	got, err := DecodeUpdate(EncodeUpdate(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestCloseRoundTrip(t *testing.T) {
	m := Close{ID: uuid.New()}
	got, err := DecodeClose(EncodeClose(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestClearCacheRoundTrip(t *testing.T) {
	m := ClearCache{Slot: 7}
	got, err := DecodeClearCache(EncodeClearCache(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRequestTileRoundTrip(t *testing.T) {
	m := RequestTile{Slot: 2, X: 10, Y: 20, Level: 3}
	got, err := DecodeRequestTile(EncodeRequestTile(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestClassifyRateLimited(t *testing.T) {
	f, err := Classify(EncodeRateLimited())
	require.NoError(t, err)
	assert.Equal(t, FrameRateLimited, f.Kind)
}

func TestClassifyOpenResponse(t *testing.T) {
	id := uuid.New()
	f, err := Classify(EncodeOpenResponse(OpenResponse{Slot: 4, ID: id}))
	require.NoError(t, err)
	require.Equal(t, FrameOpenResponse, f.Kind)
	assert.Equal(t, byte(4), f.OpenResponse.Slot)
	assert.Equal(t, id, f.OpenResponse.ID)
}

func TestClassifyProgress(t *testing.T) {
	id := uuid.New()
	f, err := Classify(EncodeProgress(Progress{ID: id, Steps: 3, Total: 10}))
	require.NoError(t, err)
	require.Equal(t, FrameProgress, f.Kind)
	assert.Equal(t, int32(3), f.Progress.Steps)
	assert.Equal(t, int32(10), f.Progress.Total)
}

func TestClassifySlideCreated(t *testing.T) {
	raw, err := EncodeSlideCreated(SlideCreated{ID: "abc", Width: 100, Height: 200, Filename: "x.svs"})
	require.NoError(t, err)
	f, err := Classify(raw)
	require.NoError(t, err)
	require.Equal(t, FrameSlideCreated, f.Kind)
	assert.Equal(t, "abc", f.SlideCreated.ID)
	assert.Equal(t, 100, f.SlideCreated.Width)
}

func TestClassifyTile(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	raw := EncodeTile(Tile{Slot: 9, X: 1, Y: 2, Level: 0, Payload: payload})
	f, err := Classify(raw)
	require.NoError(t, err)
	require.Equal(t, FrameTile, f.Kind)
	assert.Equal(t, byte(9), f.Tile.Slot)
	assert.Equal(t, payload, f.Tile.Payload)
}

// TestClassifyTileSlotCollidesWithKind exercises the exact-length
// requirement: a tile frame whose slot byte numerically matches a
// control-message Kind must still classify as a tile, never as that
// control message, because its total length doesn't match any fixed-length
// control frame.
func TestClassifyTileSlotCollidesWithKind(t *testing.T) {
	raw := EncodeTile(Tile{Slot: byte(KindOpenResponse), X: 0, Y: 0, Level: 0, Payload: []byte{0xAA}})
	f, err := Classify(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameTile, f.Kind)
}

func TestClassifyMalformedProgress(t *testing.T) {
	// Right kind byte, wrong length.
	bad := append([]byte{byte(KindProgress)}, make([]byte, 10)...)
	_, err := Classify(bad)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestClassifyTileTooShort(t *testing.T) {
	_, err := Classify([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedFrame)
}
