package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Demo generates a simulated 10-bit ADC signal in the device's wire format
// and hands it over in randomly sized chunks, so the reassembler sees the
// same fragmentation a real UART produces.
type Demo struct {
	mu      sync.Mutex
	running bool
	t       float64 // virtual time accumulator
	rng     *rand.Rand
	period  time.Duration
	pending []byte
}

func NewDemo() *Demo {
	return &Demo{
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		period: 5 * time.Millisecond,
	}
}

func (d *Demo) Name() string { return "demo (simulated)" }

func (d *Demo) Connect() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// reading returns the next simulated ADC value in [0, 1023].
func (d *Demo) reading() int {
	d.t += 0.01
	// Slow sweep with a faster ripple and a little noise, like a pot being
	// turned next to a noisy supply.
	v := 512 + 400*math.Sin(d.t*0.8) + 60*math.Sin(d.t*7) + d.rng.Float64()*12 - 6
	return int(math.Max(0, math.Min(1023, v)))
}

// Run emits one reading per period, split at random byte boundaries.
func (d *Demo) Run(ctx context.Context, onData func([]byte)) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotConnected
	}

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return ErrNotConnected
		}
		d.pending = append(d.pending, fmt.Sprintf(",%d,", d.reading())...)
		// Release a random prefix; the remainder rides along with the next tick.
		n := 1 + d.rng.Intn(len(d.pending))
		chunk := append([]byte(nil), d.pending[:n]...)
		d.pending = append(d.pending[:0], d.pending[n:]...)
		d.mu.Unlock()

		onData(chunk)
	}
}
