package match

import "sync"

// FillPublisher receives the fills of a committed round, in execution
// order. Implementations must either process synchronously or copy: the
// matcher reuses nothing, but downstream consumers (tickers, candle
// builders) should not block a scheduling tick.
type FillPublisher interface {
	PublishFills(...*OrderMatching)
}

// MemoryFillPublisher stores fills in memory, useful for testing.
type MemoryFillPublisher struct {
	mu    sync.RWMutex
	fills []*OrderMatching
}

// NewMemoryFillPublisher creates a new MemoryFillPublisher.
func NewMemoryFillPublisher() *MemoryFillPublisher {
	return &MemoryFillPublisher{fills: make([]*OrderMatching, 0)}
}

// PublishFills appends fills to the in-memory slice.
func (m *MemoryFillPublisher) PublishFills(fills ...*OrderMatching) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, fills...)
}

// Count returns the number of fills stored.
func (m *MemoryFillPublisher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fills)
}

// Get returns the fill at the specified index.
func (m *MemoryFillPublisher) Get(index int) *OrderMatching {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fills[index]
}

// Fills returns a copy of all fills stored.
func (m *MemoryFillPublisher) Fills() []*OrderMatching {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fills := make([]*OrderMatching, len(m.fills))
	copy(fills, m.fills)
	return fills
}

// DiscardFillPublisher drops all fills, useful for benchmarking.
type DiscardFillPublisher struct{}

// NewDiscardFillPublisher creates a new DiscardFillPublisher.
func NewDiscardFillPublisher() *DiscardFillPublisher {
	return &DiscardFillPublisher{}
}

// PublishFills does nothing.
func (p *DiscardFillPublisher) PublishFills(...*OrderMatching) {}
