// Package retry implements the retry manager: it tracks tiles the server
// owes the client, waits an initial grace period, then retries on a
// bounded exponential-backoff schedule with jitter until the tile arrives
// or the viewport moves on.
package retry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/eosin-platform/wsiviewer/internal/tilekey"
)

// Defaults per the retry schedule.
const (
	DefaultInitialTimeout = 1100 * time.Millisecond
	DefaultBaseDelay      = 3 * time.Second
	DefaultMaxJitter      = 200 * time.Millisecond
	DefaultMaxRetries     = 10
)

// IsTileCached is consulted when the initial timeout fires, to decide
// whether the tile already arrived through some other path (e.g. a
// findBestTile promotion) before committing to the retry schedule.
type IsTileCached func(tilekey.Coord) bool

// OnRequestTile is invoked for every scheduled (re)send. The caller wires
// this to the stream client's requestTile.
type OnRequestTile func(tilekey.Coord)

// Config configures a Manager.
type Config struct {
	InitialTimeout time.Duration
	BaseDelay      time.Duration
	MaxJitter      time.Duration
	MaxRetries     int

	IsTileCached  IsTileCached
	OnRequestTile OnRequestTile
	Logger        *slog.Logger
}

type record struct {
	coord            tilekey.Coord
	firstRequestedAt time.Time
	retryCount       int
	timer            *time.Timer
}

// Manager is the pending-retry tracker described in §4.E.
type Manager struct {
	mu      sync.Mutex
	pending map[uint64]*record

	initialTimeout time.Duration
	baseDelay      time.Duration
	maxJitter      time.Duration
	maxRetries     int

	isTileCached  IsTileCached
	onRequestTile OnRequestTile
	logger        *slog.Logger

	// suppressed, when true, makes scheduled sends into no-ops (the
	// timers still fire and reschedule themselves) — used during a
	// rate-limit cooldown.
	suppressed bool
}

// New creates a Manager. IsTileCached and OnRequestTile are required.
func New(cfg Config) *Manager {
	if cfg.InitialTimeout <= 0 {
		cfg.InitialTimeout = DefaultInitialTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		pending:        make(map[uint64]*record),
		initialTimeout: cfg.InitialTimeout,
		baseDelay:      cfg.BaseDelay,
		maxJitter:      cfg.MaxJitter,
		maxRetries:     cfg.MaxRetries,
		isTileCached:   cfg.IsTileCached,
		onRequestTile:  cfg.OnRequestTile,
		logger:         cfg.Logger,
	}
}

// TrackTile begins tracking coord if it isn't already tracked. Idempotent.
func (m *Manager) TrackTile(coord tilekey.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := coord.Key()
	if _, ok := m.pending[key]; ok {
		return
	}

	r := &record{coord: coord, firstRequestedAt: time.Now()}
	m.pending[key] = r
	r.timer = time.AfterFunc(m.initialTimeout, func() { m.onInitialTimeout(key) })
}

// TileReceived removes coord's pending-retry record, if any, cancelling
// its timer.
func (m *Manager) TileReceived(coord tilekey.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(coord.Key())
}

// CancelTilesNotIn removes every pending-retry record whose key is not in
// keep, returning the count removed. Called on viewport change.
func (m *Manager) CancelTilesNotIn(keep []tilekey.Coord) int {
	keepSet := make(map[uint64]struct{}, len(keep))
	for _, c := range keep {
		keepSet[c.Key()] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.pending {
		if _, ok := keepSet[k]; ok {
			continue
		}
		m.removeLocked(k)
		n++
	}
	return n
}

// CancelAll removes every pending-retry record.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	for k := range m.pending {
		m.removeLocked(k)
	}
	return n
}

// Pending returns the number of tiles currently tracked, for telemetry.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SetSuppressed toggles send suppression for the rate-limit cooldown: the
// retry schedule keeps running (timers still fire and reschedule) but
// onRequestTile is not invoked while suppressed.
func (m *Manager) SetSuppressed(suppressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = suppressed
}

// removeLocked must be called with m.mu held.
func (m *Manager) removeLocked(key uint64) {
	if r, ok := m.pending[key]; ok {
		r.timer.Stop()
		delete(m.pending, key)
	}
}

func (m *Manager) onInitialTimeout(key uint64) {
	m.mu.Lock()
	r, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	cached := m.isTileCached != nil && m.isTileCached(r.coord)
	if cached {
		m.removeLocked(key)
		m.mu.Unlock()
		return
	}
	m.fireRetryLocked(r)
	m.mu.Unlock()
}

// fireRetryLocked increments retryCount, requests the tile (unless
// suppressed), and arms the next retry, or drops the record once
// maxRetries is exhausted. Must be called with m.mu held.
func (m *Manager) fireRetryLocked(r *record) {
	r.retryCount++

	if !m.suppressed && m.onRequestTile != nil {
		m.onRequestTile(r.coord)
	}

	if r.retryCount >= m.maxRetries {
		m.logger.Debug("retry budget exhausted", "tile", r.coord.String(), "retries", r.retryCount)
		delete(m.pending, r.coord.Key())
		return
	}

	delay := m.baseDelay * time.Duration(uint64(1)<<uint(r.retryCount))
	if m.maxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(m.maxJitter)))
	}
	key := r.coord.Key()
	r.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.pending[key]; ok && cur == r {
			m.fireRetryLocked(r)
		}
	})
}
