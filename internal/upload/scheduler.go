package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/adcrelay/internal/samples"
)

// DefaultInterval is the upload period when none is configured.
const DefaultInterval = 100 * time.Millisecond

// LatestSource is the part of the sample buffer the scheduler reads.
type LatestSource interface {
	Latest() (samples.Sample, bool)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Interval time.Duration
	Timeout  time.Duration // per-job deadline, defaults to Interval*10

	// SkipIfBusy skips a tick while the previous job is still in flight so
	// the sink never sees values out of order.
	SkipIfBusy bool

	// OnlyOnChange skips a tick when the latest value equals the last
	// submitted one.
	OnlyOnChange bool
}

// Stats are the scheduler's lifetime counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	InFlight  int64  `json:"inFlight"`
}

// Scheduler relays the latest sample to a Sink on a fixed period.
// Uploads are best-effort telemetry: failures are logged and dropped,
// nothing is retried and nothing is reported back to the acquisition path.
type Scheduler struct {
	cfg    SchedulerConfig
	latest LatestSource
	sink   Sink
	log    zerolog.Logger
	now    func() time.Time

	wg       sync.WaitGroup
	busy     atomic.Bool
	inFlight atomic.Int64

	mu        sync.Mutex
	lastValue int
	hasSent   bool

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig, latest LatestSource, sink Sink, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval * 10
	}
	return &Scheduler{
		cfg:    cfg,
		latest: latest,
		sink:   sink,
		log:    log,
		now:    time.Now,
	}
}

// Run ticks until ctx is cancelled. Jobs still in flight at that point are
// abandoned through ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().
		Str("sink", s.sink.Name()).
		Dur("interval", s.cfg.Interval).
		Bool("skip_if_busy", s.cfg.SkipIfBusy).
		Bool("only_on_change", s.cfg.OnlyOnChange).
		Msg("upload scheduler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling decision and, if a job is created, submits
// it on its own goroutine. It reports whether a job was submitted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	sample, ok := s.latest.Latest()
	if !ok {
		return false
	}

	if s.cfg.SkipIfBusy && !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Debug().Msg("previous upload still in flight, skipping tick")
		return false
	}

	if s.cfg.OnlyOnChange && !s.changed(sample.Value) {
		if s.cfg.SkipIfBusy {
			s.busy.Store(false)
		}
		s.skipped.Add(1)
		return false
	}

	job := Job{Value: sample.Value, SubmittedAt: s.now()}
	s.submitted.Add(1)
	s.inFlight.Add(1)
	s.wg.Add(1)
	go s.submit(ctx, job)
	return true
}

// changed records value as the last submitted one and reports whether it
// differs from the previous submission.
func (s *Scheduler) changed(value int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSent && s.lastValue == value {
		return false
	}
	s.lastValue = value
	s.hasSent = true
	return true
}

func (s *Scheduler) submit(ctx context.Context, job Job) {
	defer s.wg.Done()
	defer s.inFlight.Add(-1)
	if s.cfg.SkipIfBusy {
		defer s.busy.Store(false)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := s.sink.Send(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		s.failed.Add(1)
		s.log.Warn().
			Err(err).
			Int("value", job.Value).
			Int("status", res.Status).
			Dur("elapsed", elapsed).
			Msg("upload failed")
		return
	}
	s.succeeded.Add(1)
	s.log.Debug().
		Int("value", job.Value).
		Int("status", res.Status).
		Str("response", res.Message).
		Dur("elapsed", elapsed).
		Msg("upload done")
}

// Wait blocks until every submitted job has completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
		InFlight:  s.inFlight.Load(),
	}
}
