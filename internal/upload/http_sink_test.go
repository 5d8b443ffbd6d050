package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/adcrelay/internal/samples"
)

func TestHTTPSink_Body(t *testing.T) {
	s := NewHTTPSink(nil, "http://example.invalid", "proba2", 0)
	if got := s.Body(Job{Value: 512}); got != "user=proba2&value1=512" {
		t.Errorf("Body() = %q", got)
	}
}

func TestHTTPSink_Send(t *testing.T) {
	var (
		gotBody        string
		gotContentType string
		gotSubmitted   string
		gotMethod      string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotSubmitted = r.Header.Get("X-Submitted-At")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	s := NewHTTPSink(http.DefaultClient, ts.URL+"/post_2.php", "proba2", 0)
	submitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.Send(context.Background(), Job{Value: 512, SubmittedAt: submitted})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Status != http.StatusOK || res.Message != "ok" {
		t.Errorf("Result = %+v", res)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("Method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %s", gotContentType)
	}
	if gotBody != "user=proba2&value1=512" {
		t.Errorf("Body = %q, want user=proba2&value1=512", gotBody)
	}
	if gotSubmitted != "2024-05-01T12:00:00Z" {
		t.Errorf("X-Submitted-At = %q", gotSubmitted)
	}
}

func TestHTTPSink_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	s := NewHTTPSink(http.DefaultClient, ts.URL, "", 0)
	res, err := s.Send(context.Background(), Job{Value: 1})
	if err == nil {
		t.Fatal("Send() succeeded on 429")
	}
	if res.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", res.Status)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error %q lacks response body", err)
	}
}

func TestHTTPSink_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	s := NewHTTPSink(nil, url, "", time.Second)
	if _, err := s.Send(context.Background(), Job{Value: 1}); err == nil {
		t.Error("Send() to a closed server succeeded")
	}
}

func TestScheduler_UploadTickEndToEnd(t *testing.T) {
	bodies := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- string(data)
	}))
	defer ts.Close()

	buf := samples.NewBuffer(0)
	buf.Append(samples.Sample{Timestamp: time.Second, Value: 512})

	sink := NewHTTPSink(http.DefaultClient, ts.URL, "proba2", 0)
	s := NewScheduler(SchedulerConfig{SkipIfBusy: true}, buf, sink, zerolog.Nop())
	s.Tick(context.Background())
	s.Wait()

	select {
	case got := <-bodies:
		if got != "user=proba2&value1=512" {
			t.Errorf("body = %q", got)
		}
	default:
		t.Fatal("no request reached the server")
	}
}

func TestMQTTSink_Payload(t *testing.T) {
	s := NewMQTTSink(MQTTConfig{Broker: "tcp://127.0.0.1:1883", Topic: "sensors/adc"}, "proba2", time.Second, zerolog.Nop())
	data, err := s.Payload(Job{Value: 512, SubmittedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"user":"proba2","value1":512,"submitted_at":"2024-05-01T12:00:00Z"}`
	if string(data) != want {
		t.Errorf("Payload() = %s, want %s", data, want)
	}
}
