// Package pipeline turns a byte source into samples: it supervises the
// source connection and runs every chunk through reassembly, parsing and
// the sample buffer on the reading goroutine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/adcrelay/internal/samples"
	"github.com/shaunagostinho/adcrelay/internal/source"
	"github.com/shaunagostinho/adcrelay/internal/stream"
)

// Backoff bounds the reconnect delay. The delay doubles after every failed
// attempt and is capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the dashboard's provider retry policy.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 60 * time.Second}

func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Config configures a Pipeline. Zero values pick the package defaults.
type Config struct {
	Delimiter byte
	// FieldIndex selects the record field holding the reading. nil means
	// stream.DefaultFieldIndex, the token between the first and second
	// delimiter.
	FieldIndex *int
	MaxPending int
	Backoff    Backoff
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Source      string `json:"source"`
	Connected   bool   `json:"connected"`
	Bytes       uint64 `json:"bytes"`
	Records     uint64 `json:"records"`
	Accepted    uint64 `json:"accepted"`
	Debounced   uint64 `json:"debounced"`
	ParseErrors uint64 `json:"parseErrors"`
	Overflows   uint64 `json:"overflows"`
	Reconnects  uint64 `json:"reconnects"`
	LastError   string `json:"lastError,omitempty"`
}

// Pipeline owns the reassembler and parser and writes into a shared buffer.
type Pipeline struct {
	reasm   *stream.Reassembler
	parser  *stream.Parser
	buf     *samples.Buffer
	backoff Backoff
	log     zerolog.Logger

	connected   atomic.Bool
	bytes       atomic.Uint64
	records     atomic.Uint64
	accepted    atomic.Uint64
	debounced   atomic.Uint64
	parseErrors atomic.Uint64
	overflows   atomic.Uint64
	reconnects  atomic.Uint64

	mu      sync.Mutex
	srcName string
	lastErr string
}

// New creates a Pipeline whose sample timestamps count from start.
func New(cfg Config, buf *samples.Buffer, start time.Time, log zerolog.Logger) *Pipeline {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = DefaultBackoff.Initial
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = DefaultBackoff.Max
	}
	field := stream.DefaultFieldIndex
	if cfg.FieldIndex != nil && *cfg.FieldIndex >= 0 {
		field = *cfg.FieldIndex
	}
	return &Pipeline{
		reasm: stream.NewReassembler(stream.ReassemblerConfig{
			Delimiter:  cfg.Delimiter,
			MaxPending: cfg.MaxPending,
		}, log),
		parser:  stream.NewParser(field, start),
		buf:     buf,
		backoff: cfg.Backoff,
		log:     log,
	}
}

// Parser exposes the parser so tests can pin its clock.
func (p *Pipeline) Parser() *stream.Parser { return p.parser }

// Feed processes one chunk synchronously and returns how many samples were
// added to the buffer. It must only be called from the goroutine that reads
// the source.
func (p *Pipeline) Feed(chunk []byte) int {
	p.bytes.Add(uint64(len(chunk)))
	recs := p.reasm.Feed(chunk)
	p.overflows.Store(p.reasm.Overflows())

	added := 0
	for _, rec := range recs {
		p.records.Add(1)
		s, err := p.parser.Parse(rec)
		if err != nil {
			p.parseErrors.Add(1)
			p.log.Debug().Err(err).Str("record", rec.Raw).Msg("dropping malformed record")
			continue
		}
		if !p.buf.Append(s) {
			p.debounced.Add(1)
			continue
		}
		p.accepted.Add(1)
		added++
	}
	return added
}

// Run connects src and feeds it until ctx is cancelled or the source is
// exhausted. Connection failures and dropped transports are retried with
// exponential backoff; they are never returned. src is always closed.
func (p *Pipeline) Run(ctx context.Context, src source.Source) error {
	defer src.Close()

	p.mu.Lock()
	p.srcName = src.Name()
	p.mu.Unlock()

	delay := p.backoff.Initial
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := src.Connect(); err != nil {
			attempt++
			p.setErr(err)
			p.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).
				Str("source", src.Name()).Msg("connect failed")
			if !sleep(ctx, delay) {
				return nil
			}
			delay = p.backoff.next(delay)
			continue
		}

		p.log.Info().Str("source", src.Name()).Int("attempt", attempt+1).Msg("source connected")
		attempt = 0
		delay = p.backoff.Initial

		// A fragment from a previous connection must not prefix new bytes.
		p.reasm.Reset()
		p.mu.Lock()
		p.srcName = src.Name()
		p.mu.Unlock()
		p.connected.Store(true)

		err := src.Run(ctx, func(chunk []byte) { p.Feed(chunk) })

		p.connected.Store(false)
		src.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			p.log.Info().Str("source", src.Name()).Msg("source exhausted")
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}

		p.reconnects.Add(1)
		p.setErr(err)
		p.log.Warn().Err(err).Dur("retry_in", delay).Str("source", src.Name()).Msg("source lost, reconnecting")
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

// Connected reports whether the source is currently delivering.
func (p *Pipeline) Connected() bool { return p.connected.Load() }

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	name, lastErr := p.srcName, p.lastErr
	p.mu.Unlock()
	return Stats{
		Source:      name,
		Connected:   p.connected.Load(),
		Bytes:       p.bytes.Load(),
		Records:     p.records.Load(),
		Accepted:    p.accepted.Load(),
		Debounced:   p.debounced.Load(),
		ParseErrors: p.parseErrors.Load(),
		Overflows:   p.overflows.Load(),
		Reconnects:  p.reconnects.Load(),
		LastError:   lastErr,
	}
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
