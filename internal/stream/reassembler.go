package stream

import (
	"github.com/rs/zerolog"
)

const (
	DefaultDelimiter  byte = ','
	DefaultMaxPending      = 4096

	// fieldsPerRecord is the number of delimiters that close a record.
	// Field 0 is whatever precedes the first delimiter, field 1 is the
	// reading between the first and second.
	fieldsPerRecord = 2
)

// Record is one complete delimiter-bounded message.
type Record struct {
	Fields []string
	Raw    string
}

// Field returns field i, or "" when the record has fewer fields.
func (r Record) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Reassembler rebuilds records from a byte stream delivered in arbitrary
// chunks. It scans byte by byte, so every record in a chunk is emitted and
// only the unterminated tail is carried into the next Feed.
//
// A Reassembler is not safe for concurrent use; it belongs to the goroutine
// reading the source.
type Reassembler struct {
	delim      byte
	maxPending int
	log        zerolog.Logger

	pending []byte // bytes of the record in progress
	marks   []int  // offsets of delimiters seen in pending

	records   uint64
	overflows uint64
}

// ReassemblerConfig configures a Reassembler. Zero values pick the defaults.
type ReassemblerConfig struct {
	Delimiter  byte
	MaxPending int
}

// NewReassembler creates a Reassembler.
func NewReassembler(cfg ReassemblerConfig, log zerolog.Logger) *Reassembler {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = DefaultDelimiter
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Reassembler{
		delim:      cfg.Delimiter,
		maxPending: cfg.MaxPending,
		log:        log,
		pending:    make([]byte, 0, 64),
		marks:      make([]int, 0, fieldsPerRecord),
	}
}

// Feed consumes chunk and returns the records it completed, in stream order.
func (r *Reassembler) Feed(chunk []byte) []Record {
	var out []Record

	for _, b := range chunk {
		if b == r.delim {
			r.marks = append(r.marks, len(r.pending))
			r.pending = append(r.pending, b)
			if len(r.marks) == fieldsPerRecord {
				out = append(out, r.take())
			}
			continue
		}

		if len(r.pending) >= r.maxPending {
			r.overflows++
			r.log.Warn().
				Int("pending", len(r.pending)).
				Int("max", r.maxPending).
				Msg("reassembly buffer overflow, discarding partial record")
			r.Reset()
		}
		r.pending = append(r.pending, b)
	}

	return out
}

// take cuts the completed record out of pending and resets the scanner.
func (r *Reassembler) take() Record {
	first, second := r.marks[0], r.marks[1]
	rec := Record{
		Fields: []string{
			string(r.pending[:first]),
			string(r.pending[first+1 : second]),
		},
		Raw: string(r.pending),
	}
	r.records++
	r.Reset()
	return rec
}

// Reset drops any partial record.
func (r *Reassembler) Reset() {
	r.pending = r.pending[:0]
	r.marks = r.marks[:0]
}

// Pending returns a copy of the bytes not yet part of a complete record.
func (r *Reassembler) Pending() []byte {
	out := make([]byte, len(r.pending))
	copy(out, r.pending)
	return out
}

// Records returns how many records have been emitted.
func (r *Reassembler) Records() uint64 { return r.records }

// Overflows returns how many partial records were discarded for exceeding
// the pending limit.
func (r *Reassembler) Overflows() uint64 { return r.overflows }
