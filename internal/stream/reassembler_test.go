package stream

import (
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestReassembler() *Reassembler {
	return NewReassembler(ReassemblerConfig{}, zerolog.Nop())
}

func values(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Field(1))
	}
	return out
}

func TestReassembler_SplitChunkScenario(t *testing.T) {
	r := newTestReassembler()

	if got := r.Feed([]byte("12")); len(got) != 0 {
		t.Fatalf("Feed(\"12\") emitted %v", got)
	}
	if string(r.Pending()) != "12" {
		t.Errorf("Pending() = %q, want \"12\"", r.Pending())
	}

	got := r.Feed([]byte(",34,"))
	if len(got) != 1 {
		t.Fatalf("Feed(\",34,\") emitted %d records, want 1", len(got))
	}
	if got[0].Field(1) != "34" || got[0].Field(0) != "12" || got[0].Raw != "12,34," {
		t.Errorf("record = %+v", got[0])
	}

	if got := r.Feed([]byte("56,78")); len(got) != 0 {
		t.Errorf("Feed(\"56,78\") emitted %v, want none", got)
	}
	if string(r.Pending()) != "56,78" {
		t.Errorf("Pending() = %q, want \"56,78\"", r.Pending())
	}
}

func TestReassembler_MultipleRecordsInOneChunk(t *testing.T) {
	r := newTestReassembler()

	got := r.Feed([]byte(",100,,200,,300,,40"))
	want := []string{"100", "200", "300"}
	if !reflect.DeepEqual(values(got), want) {
		t.Errorf("values = %v, want %v", values(got), want)
	}
	if string(r.Pending()) != ",40" {
		t.Errorf("Pending() = %q, want \",40\"", r.Pending())
	}
}

func TestReassembler_PendingNeverHoldsCompleteRecord(t *testing.T) {
	r := newTestReassembler()
	stream := "a,1,b,2,c,3,d,4,e"

	for i := 0; i < len(stream); i++ {
		r.Feed([]byte{stream[i]})
		if n := strings.Count(string(r.Pending()), ","); n >= 2 {
			t.Fatalf("after byte %d pending %q holds %d delimiters", i, r.Pending(), n)
		}
	}
}

// feedAll feeds the parts in order and collects every emitted record.
func feedAll(parts []string) []Record {
	r := newTestReassembler()
	var out []Record
	for _, p := range parts {
		out = append(out, r.Feed([]byte(p))...)
	}
	return out
}

func TestReassembler_FragmentationInvariance(t *testing.T) {
	streams := []string{
		"12,34,56,78",
		",512,,513,,514,",
		"x,abc,y,1,,2,3",
		"hello",
		",,,,,,",
		" 7 ,\r\n8,9,10,11,",
	}

	for _, s := range streams {
		want := feedAll([]string{s})

		// Byte by byte.
		var single []string
		for i := 0; i < len(s); i++ {
			single = append(single, s[i:i+1])
		}
		if got := feedAll(single); !reflect.DeepEqual(got, want) {
			t.Errorf("%q byte-by-byte: got %v, want %v", s, got, want)
		}

		// Every two- and three-way split.
		for i := 0; i <= len(s); i++ {
			if got := feedAll([]string{s[:i], s[i:]}); !reflect.DeepEqual(got, want) {
				t.Errorf("%q split at %d: got %v, want %v", s, i, got, want)
			}
			for j := i; j <= len(s); j++ {
				got := feedAll([]string{s[:i], s[i:j], s[j:]})
				if !reflect.DeepEqual(got, want) {
					t.Errorf("%q split at %d,%d: got %v, want %v", s, i, j, got, want)
				}
			}
		}
	}
}

func TestReassembler_OverflowDiscardsPartialRecord(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{MaxPending: 8}, zerolog.Nop())

	if got := r.Feed([]byte("0123456789")); len(got) != 0 {
		t.Fatalf("overflowing input emitted %v", got)
	}
	if r.Overflows() != 1 {
		t.Errorf("Overflows() = %d, want 1", r.Overflows())
	}
	if len(r.Pending()) > 8 {
		t.Errorf("pending grew to %d bytes past the cap", len(r.Pending()))
	}

	// The scanner keeps working after the discard.
	got := r.Feed([]byte(",5,"))
	if len(got) != 1 || got[0].Field(1) != "5" {
		t.Errorf("records after overflow = %+v", got)
	}
}

func TestReassembler_CustomDelimiter(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{Delimiter: ';'}, zerolog.Nop())
	got := r.Feed([]byte("a;42;b,c;"))
	if !reflect.DeepEqual(values(got), []string{"42"}) {
		t.Errorf("values = %v, want [42]", values(got))
	}
	if string(r.Pending()) != "b,c;" {
		t.Errorf("Pending() = %q", r.Pending())
	}
}

func TestReassembler_Reset(t *testing.T) {
	r := newTestReassembler()
	r.Feed([]byte("1,2"))
	r.Reset()
	if len(r.Pending()) != 0 {
		t.Errorf("Pending() after Reset = %q", r.Pending())
	}
	got := r.Feed([]byte(",3,"))
	if !reflect.DeepEqual(values(got), []string{"3"}) {
		t.Errorf("values after Reset = %v, want [3]", values(got))
	}
	if r.Records() != 1 {
		t.Errorf("Records() = %d, want 1", r.Records())
	}
}
