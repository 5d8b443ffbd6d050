package samples

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestBuffer_FirstSampleAlwaysAccepted(t *testing.T) {
	b := NewBuffer(2 * time.Millisecond)

	if _, ok := b.Latest(); ok {
		t.Fatal("Latest() on empty buffer should report false")
	}
	if !b.Append(Sample{Timestamp: 0, Value: 7}) {
		t.Fatal("first sample at t=0 was rejected")
	}
	got, ok := b.Latest()
	if !ok || got.Value != 7 {
		t.Errorf("Latest() = %+v, %v; want value 7", got, ok)
	}
}

func TestBuffer_Debounce(t *testing.T) {
	tests := []struct {
		name   string
		second time.Duration
		want   bool
	}{
		{"below epsilon", ms(1), false},
		{"equal to epsilon", ms(2), false},
		{"just above epsilon", ms(2) + time.Microsecond, true},
		{"well above epsilon", ms(10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(ms(2))
			b.Append(Sample{Timestamp: 0, Value: 1})

			if got := b.Append(Sample{Timestamp: tt.second, Value: 2}); got != tt.want {
				t.Errorf("Append() = %v, want %v", got, tt.want)
			}
			latest, _ := b.Latest()
			wantValue := 1
			if tt.want {
				wantValue = 2
			}
			if latest.Value != wantValue {
				t.Errorf("Latest().Value = %d, want %d", latest.Value, wantValue)
			}
		})
	}
}

func TestBuffer_HundredSamplesAtOneMillisecond(t *testing.T) {
	b := NewBuffer(ms(2))

	for i := 0; i < 100; i++ {
		b.Append(Sample{Timestamp: ms(i), Value: i})
	}

	// Accepted timestamps are 0, 3, 6, ... 99.
	if got := b.Len(); got != 34 {
		t.Fatalf("Len() = %d, want 34", got)
	}
	st := b.Stats()
	if st.Accepted != 34 || st.Debounced != 66 {
		t.Errorf("Stats() = %+v, want 34 accepted / 66 debounced", st)
	}
	latest, _ := b.Latest()
	if latest.Timestamp != ms(99) {
		t.Errorf("Latest().Timestamp = %v, want 99ms", latest.Timestamp)
	}
}

func TestBuffer_VisibleWindowBounds(t *testing.T) {
	b := NewBuffer(ms(2))
	for i := 0; i <= 20; i++ {
		b.Append(Sample{Timestamp: time.Duration(i) * time.Second, Value: i})
	}

	newest := 15 * time.Second
	width := 8 * time.Second
	got := b.VisibleWindow(newest, width)

	if len(got) != 9 {
		t.Fatalf("VisibleWindow returned %d samples, want 9", len(got))
	}
	for i, s := range got {
		if s.Timestamp < newest-width || s.Timestamp > newest {
			t.Errorf("sample %v outside [%v, %v]", s.Timestamp, newest-width, newest)
		}
		if i > 0 && got[i-1].Timestamp >= s.Timestamp {
			t.Errorf("samples out of order at %d", i)
		}
	}
	if got[0].Value != 7 || got[len(got)-1].Value != 15 {
		t.Errorf("window spans %d..%d, want 7..15", got[0].Value, got[len(got)-1].Value)
	}

	// Querying must not mutate the store.
	if b.Len() != 21 {
		t.Errorf("Len() after query = %d, want 21", b.Len())
	}
}

func TestBuffer_VisibleWindowEmpty(t *testing.T) {
	b := NewBuffer(ms(2))
	if got := b.VisibleWindow(time.Second, time.Second); got != nil {
		t.Errorf("empty buffer window = %v, want nil", got)
	}
	b.Append(Sample{Timestamp: 10 * time.Second, Value: 1})
	if got := b.VisibleWindow(time.Second, time.Second); got != nil {
		t.Errorf("window before first sample = %v, want nil", got)
	}
}

func TestBuffer_VisibleWindowReturnsCopy(t *testing.T) {
	b := NewBuffer(ms(2))
	b.Append(Sample{Timestamp: ms(10), Value: 1})

	w := b.VisibleWindow(ms(10), time.Second)
	w[0].Value = 99

	again := b.VisibleWindow(ms(10), time.Second)
	if again[0].Value != 1 {
		t.Errorf("caller mutation leaked into buffer: %d", again[0].Value)
	}
}

func TestBuffer_Evict(t *testing.T) {
	b := NewBuffer(ms(2))
	for i := 0; i < 10; i++ {
		b.Append(Sample{Timestamp: time.Duration(i) * time.Second, Value: i})
	}

	if n := b.Evict(4 * time.Second); n != 4 {
		t.Fatalf("Evict() = %d, want 4", n)
	}
	if b.Len() != 6 {
		t.Errorf("Len() = %d, want 6", b.Len())
	}
	w := b.VisibleWindow(9*time.Second, time.Minute)
	if w[0].Value != 4 {
		t.Errorf("oldest remaining = %d, want 4", w[0].Value)
	}
	if n := b.Evict(time.Second); n != 0 {
		t.Errorf("second Evict() = %d, want 0", n)
	}

	b.Evict(time.Hour)
	if latest, ok := b.Latest(); !ok || latest.Value != 9 {
		t.Errorf("Latest() after full eviction = %+v, %v; want value 9", latest, ok)
	}
}

func TestBuffer_Since(t *testing.T) {
	b := NewBuffer(ms(2))
	for i := 0; i < 5; i++ {
		b.Append(Sample{Timestamp: ms(10 * i), Value: i})
	}

	got := b.Since(ms(20))
	if len(got) != 2 || got[0].Value != 3 {
		t.Errorf("Since(20ms) = %+v, want values 3,4", got)
	}
	if got := b.Since(ms(40)); got != nil {
		t.Errorf("Since(newest) = %v, want nil", got)
	}
}

func TestSample_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Sample{Timestamp: 1500 * time.Millisecond, Value: 512})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"t":1.5,"v":512}` {
		t.Errorf("MarshalJSON = %s", data)
	}
}

func TestBuffer_ConcurrentReadersAndWriter(t *testing.T) {
	b := NewBuffer(time.Nanosecond)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 2000; i++ {
			b.Append(Sample{Timestamp: ms(i), Value: i})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if latest, ok := b.Latest(); ok {
					w := b.VisibleWindow(latest.Timestamp, time.Second)
					for j := 1; j < len(w); j++ {
						if w[j-1].Timestamp >= w[j].Timestamp {
							t.Errorf("window not strictly increasing")
							return
						}
					}
				}
			}
		}()
	}
	wg.Wait()

	if b.Len() != 2000 {
		t.Errorf("Len() = %d, want 2000", b.Len())
	}
}
