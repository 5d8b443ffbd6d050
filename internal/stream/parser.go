package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/adcrelay/internal/samples"
)

// ErrInvalidValue is returned (wrapped in a *ParseError) when the reading
// field is not an integer.
var ErrInvalidValue = errors.New("stream: invalid value")

// ParseError describes a record that could not be turned into a sample.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DefaultFieldIndex is the position of the reading within a record.
const DefaultFieldIndex = 1

// Parser converts records into timestamped samples.
type Parser struct {
	field int
	start time.Time
	now   func() time.Time
}

// NewParser creates a Parser whose timestamps count from start.
func NewParser(field int, start time.Time) *Parser {
	if field < 0 {
		field = DefaultFieldIndex
	}
	return &Parser{field: field, start: start, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	p.now = now
	return p
}

// Start returns the pipeline start time the parser measures from.
func (p *Parser) Start() time.Time { return p.start }

// Parse extracts the reading from rec. A non-numeric field yields a
// *ParseError wrapping ErrInvalidValue; no default value is substituted.
func (p *Parser) Parse(rec Record) (samples.Sample, error) {
	raw := rec.Field(p.field)
	text := strings.TrimSpace(raw)

	v, err := strconv.Atoi(text)
	if err != nil {
		return samples.Sample{}, &ParseError{Field: raw, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
	}

	// time.Time carries a monotonic reading, so Sub is immune to wall clock steps.
	return samples.Sample{
		Timestamp: p.now().Sub(p.start),
		Value:     v,
	}, nil
}
