// Package streamclient owns the single bidirectional binary connection to
// the tile server: connection lifecycle, reconnection with backoff, slot
// allocation, rate-limit cooldown, and demultiplexing of inbound frames to
// typed callbacks, per §4.B. One OnTile callback serves every slot; each
// tile carries its slot number.
package streamclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eosin-platform/wsiviewer/internal/protocol"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
)

// ConnectionState is the client's monotone connection lifecycle state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// slotCount is the size of the client-owned slot address space (§3).
	slotCount = 256
	// rateLimitCooldown is how long requestTile is suppressed after an
	// inbound RateLimited notification (§4.B, §5 Backpressure).
	rateLimitCooldown = 5 * time.Second
	// connectTimeout bounds how long a single dial attempt may take before
	// it is treated as a failure for backoff purposes.
	connectTimeout = 10 * time.Second
)

// Conn is the minimal transport surface the client needs. The production
// implementation wraps *websocket.Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport connection to addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// DefaultDialer dials with gorilla/websocket, matching the transport used by
// the teleport session-playback websocket handler.
func DefaultDialer(ctx context.Context, addr string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("streamclient: dial: %w", err)
	}
	return conn, nil
}

// TrackedSlide is the per-image session state the client re-announces on
// reconnect (§3 Session state).
type TrackedSlide struct {
	Slot     byte
	DPI      float32
	ID       uuid.UUID
	Width    uint32
	Height   uint32
	Levels   uint32
	Viewport viewport.State
}

// Handlers are the typed callbacks the client demultiplexes inbound frames
// to. All are optional; a nil handler silently drops that frame kind.
type Handlers struct {
	OnOpenResponse func(protocol.OpenResponse)
	OnProgress     func(protocol.Progress)
	OnSlideCreated func(protocol.SlideCreated)
	OnTile         func(protocol.Tile)
	OnStateChange  func(ConnectionState)
}

// Config wires a Client's collaborators and policy knobs.
type Config struct {
	Addr                 string
	Dialer               Dialer
	Logger               *slog.Logger
	Handlers             Handlers
	ReconnectDelay       time.Duration // base unit for the backoff schedule
	MaxReconnectAttempts int           // 0 = infinite
}

// Client owns the stream connection and slot table described in §4.B.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        ConnectionState
	conn         Conn
	intentional  bool
	reconnectNum int

	freeSlots []byte
	tracked   map[byte]*TrackedSlide

	rateLimited    bool
	rateLimitTimer *time.Timer
}

// New constructs a Client in the disconnected state. Call Connect to start.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		state:     Disconnected,
		tracked:   make(map[byte]*TrackedSlide),
		freeSlots: make([]byte, 0, slotCount),
	}
	for i := slotCount - 1; i >= 0; i-- {
		c.freeSlots = append(c.freeSlots, byte(i))
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	handler := c.cfg.Handlers.OnStateChange
	c.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

// Connect is idempotent: it is a no-op if already connecting or connected.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.intentional = false
	c.state = Connecting
	c.mu.Unlock()

	c.dialAndServe(ctx)
}

func (c *Client) dialAndServe(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := c.cfg.Dialer(dialCtx, c.cfg.Addr)
	cancel()
	if err != nil {
		c.logger.Warn("streamclient: connect failed", "error", err)
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.reconnectNum = 0
	c.mu.Unlock()

	c.setState(Connected)
	c.reannounceTrackedSlides()

	go c.readLoop(ctx, conn)
}

// readLoop pumps inbound frames until the connection fails or Disconnect is
// called. On an unintentional close it schedules a reconnect.
func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.intentional
			c.mu.Unlock()
			if intentional {
				c.setState(Disconnected)
				return
			}
			c.logger.Warn("streamclient: read error", "error", err)
			c.setState(Error)
			c.scheduleReconnect(ctx)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		c.dispatch(b)
	}
}

func (c *Client) dispatch(b []byte) {
	frame, err := protocol.Classify(b)
	if err != nil {
		c.logger.Debug("streamclient: dropping malformed frame", "error", err)
		return
	}

	h := c.cfg.Handlers
	switch frame.Kind {
	case protocol.FrameOpenResponse:
		if h.OnOpenResponse != nil {
			h.OnOpenResponse(frame.OpenResponse)
		}
	case protocol.FrameProgress:
		if h.OnProgress != nil {
			h.OnProgress(frame.Progress)
		}
	case protocol.FrameRateLimited:
		c.enterRateLimitCooldown()
	case protocol.FrameSlideCreated:
		if h.OnSlideCreated != nil {
			h.OnSlideCreated(frame.SlideCreated)
		}
	case protocol.FrameTile:
		if h.OnTile != nil {
			h.OnTile(frame.Tile)
		}
	}
}

// scheduleReconnect arms a delay of reconnectDelay * min(attempt, 10) before
// redialing, per §4.B. It gives up after MaxReconnectAttempts (0 = infinite).
func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.reconnectNum++
	attempt := c.reconnectNum
	maxAttempts := c.cfg.MaxReconnectAttempts
	c.mu.Unlock()

	if maxAttempts > 0 && attempt > maxAttempts {
		c.setState(Error)
		return
	}

	mult := attempt
	if mult > 10 {
		mult = 10
	}
	delay := c.cfg.ReconnectDelay * time.Duration(mult)

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		intentional := c.intentional
		c.state = Connecting
		c.mu.Unlock()
		if intentional {
			return
		}
		c.dialAndServe(ctx)
	})
}

// Disconnect is an intentional close: it cancels reconnect attempts, clears
// rate-limit state, and releases all slots.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	c.tracked = make(map[byte]*TrackedSlide)
	c.freeSlots = c.freeSlots[:0]
	for i := slotCount - 1; i >= 0; i-- {
		c.freeSlots = append(c.freeSlots, byte(i))
	}
	if c.rateLimitTimer != nil {
		c.rateLimitTimer.Stop()
		c.rateLimitTimer = nil
	}
	c.rateLimited = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setState(Disconnected)
}

// OpenSlide allocates a free slot, records the tracked slide, and sends Open.
// ok is false if the slot pool is exhausted.
func (c *Client) OpenSlide(dpi float32, id uuid.UUID, width, height, levels uint32) (slot byte, ok bool) {
	c.mu.Lock()
	if len(c.freeSlots) == 0 {
		c.mu.Unlock()
		return 0, false
	}
	slot = c.freeSlots[len(c.freeSlots)-1]
	c.freeSlots = c.freeSlots[:len(c.freeSlots)-1]
	c.tracked[slot] = &TrackedSlide{Slot: slot, DPI: dpi, ID: id, Width: width, Height: height, Levels: levels}
	c.mu.Unlock()

	c.send(protocol.EncodeOpen(protocol.Open{DPI: dpi, ID: id, Width: width, Height: height, Levels: levels}))
	return slot, true
}

// CloseSlide sends Close for the slide's id and releases its slot.
func (c *Client) CloseSlide(slot byte) {
	c.mu.Lock()
	ts, tracked := c.tracked[slot]
	if tracked {
		delete(c.tracked, slot)
		c.freeSlots = append(c.freeSlots, slot)
	}
	c.mu.Unlock()

	if !tracked {
		return
	}
	c.send(protocol.EncodeClose(protocol.Close{ID: ts.ID}))
}

// UpdateViewport records the slide's last-acked viewport and sends Update.
func (c *Client) UpdateViewport(slot byte, v viewport.State) {
	c.mu.Lock()
	if ts, ok := c.tracked[slot]; ok {
		ts.Viewport = v
	}
	c.mu.Unlock()

	c.send(protocol.EncodeUpdate(protocol.Update{
		Slot: slot, X: float32(v.X), Y: float32(v.Y),
		Width: uint32(v.Width), Height: uint32(v.Height), Zoom: float32(v.Zoom),
	}))
}

// ClearCache sends ClearCache for the slot.
func (c *Client) ClearCache(slot byte) {
	c.send(protocol.EncodeClearCache(protocol.ClearCache{Slot: slot}))
}

// RequestTile sends RequestTile unless the client is in a rate-limit
// cooldown, in which case it returns false without sending (§5 Backpressure).
func (c *Client) RequestTile(slot byte, x, y, level uint32) bool {
	c.mu.Lock()
	suppressed := c.rateLimited
	c.mu.Unlock()
	if suppressed {
		return false
	}
	c.send(protocol.EncodeRequestTile(protocol.RequestTile{Slot: slot, X: x, Y: y, Level: level}))
	return true
}

func (c *Client) enterRateLimitCooldown() {
	c.mu.Lock()
	c.rateLimited = true
	if c.rateLimitTimer != nil {
		c.rateLimitTimer.Stop()
	}
	c.rateLimitTimer = time.AfterFunc(rateLimitCooldown, func() {
		c.mu.Lock()
		c.rateLimited = false
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

// RateLimited reports whether requestTile sends are currently suppressed.
func (c *Client) RateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimited
}

func (c *Client) reannounceTrackedSlides() {
	c.mu.Lock()
	slides := make([]*TrackedSlide, 0, len(c.tracked))
	for _, ts := range c.tracked {
		slides = append(slides, ts)
	}
	c.mu.Unlock()

	for _, ts := range slides {
		c.send(protocol.EncodeOpen(protocol.Open{DPI: ts.DPI, ID: ts.ID, Width: ts.Width, Height: ts.Height, Levels: ts.Levels}))
	}
}

func (c *Client) send(b []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		c.logger.Warn("streamclient: write failed", "error", err)
	}
}

