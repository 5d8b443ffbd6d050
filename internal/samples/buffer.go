package samples

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Sample is one timestamped reading. Timestamp is the monotonic offset from
// pipeline start; it is kept as integer nanoseconds so long sessions do not
// drift the way float seconds would.
type Sample struct {
	Timestamp time.Duration
	Value     int
}

// Seconds returns the timestamp as float seconds since pipeline start.
func (s Sample) Seconds() float64 { return s.Timestamp.Seconds() }

// MarshalJSON encodes the sample as {"t": seconds, "v": value}.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		T float64 `json:"t"`
		V int     `json:"v"`
	}{s.Seconds(), s.Value})
}

const (
	DefaultEpsilon = 2 * time.Millisecond
	DefaultWindow  = 8 * time.Second
)

// Stats counts what the buffer has accepted and debounced since creation.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Debounced uint64 `json:"debounced"`
	Evicted   uint64 `json:"evicted"`
	Len       int    `json:"len"`
}

// Buffer is the time-indexed sample store shared by the acquisition path
// (writer) and the display and upload loops (readers).
type Buffer struct {
	mu      sync.RWMutex
	epsilon time.Duration
	samples []Sample

	last    Sample
	hasLast bool

	accepted  uint64
	debounced uint64
	evicted   uint64
}

// NewBuffer creates a Buffer that rejects samples closer than epsilon to the
// previously accepted one. A non-positive epsilon falls back to 2ms.
func NewBuffer(epsilon time.Duration) *Buffer {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Buffer{
		epsilon: epsilon,
		samples: make([]Sample, 0, 1024),
	}
}

// Epsilon returns the debounce interval.
func (b *Buffer) Epsilon() time.Duration { return b.epsilon }

// Append stores s unless it lands within epsilon of the last accepted
// sample. It reports whether the sample was accepted.
func (b *Buffer) Append(s Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasLast && s.Timestamp-b.last.Timestamp <= b.epsilon {
		b.debounced++
		return false
	}
	b.samples = append(b.samples, s)
	b.last = s
	b.hasLast = true
	b.accepted++
	return true
}

// Latest returns the most recently accepted sample.
func (b *Buffer) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

// VisibleWindow returns a copy of the samples whose timestamp lies in
// [newest-width, newest], oldest first.
func (b *Buffer) VisibleWindow(newest, width time.Duration) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	from := newest - width
	lo := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp >= from })
	hi := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp > newest })
	if lo >= hi {
		return nil
	}
	out := make([]Sample, hi-lo)
	copy(out, b.samples[lo:hi])
	return out
}

// Since returns a copy of the samples strictly newer than after.
func (b *Buffer) Since(after time.Duration) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp > after })
	if lo == len(b.samples) {
		return nil
	}
	out := make([]Sample, len(b.samples)-lo)
	copy(out, b.samples[lo:])
	return out
}

// Evict drops samples older than before and returns how many were removed.
// The latest cell is never cleared.
func (b *Buffer) Evict(before time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp >= before })
	if n == 0 {
		return 0
	}
	// Compact in place so the backing array does not grow without bound.
	kept := copy(b.samples, b.samples[n:])
	clear(b.samples[kept:])
	b.samples = b.samples[:kept]
	b.evicted += uint64(n)
	return n
}

// Len returns the number of stored samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Accepted:  b.accepted,
		Debounced: b.debounced,
		Evicted:   b.evicted,
		Len:       len(b.samples),
	}
}
