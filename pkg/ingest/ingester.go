package ingest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/retry"
)

// Sink receives ingested findings. *engine.Engine implements it.
type Sink interface {
	SubmitFinding(ctx context.Context, sub finding.Submission) (*finding.Finding, bool, error)
	UpdateFindingStatus(ctx context.Context, id string, to finding.Status, expectedVersion int64) (*finding.Finding, error)
	Finding(ctx context.Context, id string) (*finding.Finding, error)
}

// Config configures the ingester.
type Config struct {
	// Workers is the number of concurrent submitters.
	// Default: 4
	Workers int `yaml:"workers"`

	// QueueSize is the maximum number of pending lines.
	// Default: 1000
	QueueSize int `yaml:"queue_size"`

	// RatePerSecond limits submissions across all workers.
	// Default: 50
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Burst is the limiter's bucket size.
	// Default: 10
	Burst int `yaml:"burst"`

	// MaxRetries is the number of attempts for a status update that keeps
	// losing optimistic-concurrency races.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// LenientSeverity accepts severity aliases such as "MED" or "crit".
	LenientSeverity bool `yaml:"lenient_severity"`

	// DefaultTarget fills records without a target.
	DefaultTarget string `yaml:"-"`

	// OnStored is called after a line's finding is stored.
	OnStored func(line int, f *finding.Finding, created bool) `yaml:"-"`

	// OnFailed is called for a line that could not be ingested.
	OnFailed func(line int, err error) `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:       4,
		QueueSize:     1000,
		RatePerSecond: 50,
		Burst:         10,
		MaxRetries:    5,
	}
}

// Validate fills zero values with defaults and rejects negative ones.
func (c *Config) Validate() error {
	if c.Workers < 0 || c.QueueSize < 0 || c.RatePerSecond < 0 || c.Burst < 0 || c.MaxRetries < 0 {
		return errors.E(errors.KindInvalidInput, "ingest.Config", "ingest settings must not be negative")
	}
	d := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst == 0 {
		c.Burst = d.Burst
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	return nil
}

// Report summarizes an ingest run.
type Report struct {
	Lines         int         `json:"lines"`
	Created       int         `json:"created"`
	Duplicates    int         `json:"duplicates"`
	StatusUpdates int         `json:"status_updates"`
	Failed        int         `json:"failed"`
	Errors        []LineError `json:"errors,omitempty"`
	Duration      string      `json:"duration"`
}

// Stats are live counters of an ingester.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Created    int64 `json:"created"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	InProgress int   `json:"in_progress"`
	Queued     int   `json:"queued"`
}

// Ingester pushes records into a Sink from a pool of workers.
type Ingester struct {
	config  *Config
	sink    Sink
	limiter *rate.Limiter
	log     logger.Logger

	queue chan Line

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	submitted     int64
	created       int64
	duplicates    int64
	statusUpdates int64
	failed        int64
	inProgress    int32

	errMu  sync.Mutex
	errors []LineError
}

// New creates an ingester. A nil config uses DefaultConfig.
func New(config *Config, sink Sink, log logger.Logger) (*Ingester, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Ingester{
		config:  config,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		log:     logger.OrNop(log),
		queue:   make(chan Line, config.QueueSize),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the workers.
func (in *Ingester) Start(ctx context.Context) {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return
	}
	in.running = true
	in.stopCh = make(chan struct{})
	in.mu.Unlock()

	for i := 0; i < in.config.Workers; i++ {
		in.wg.Add(1)
		go in.worker(ctx)
	}
	in.log.Debug("ingest: started %d workers, queue size %d", in.config.Workers, in.config.QueueSize)
	if in.config.MaxRetries > 1 {
		backoff := retry.DefaultBackoffConfig()
		pauses := in.config.MaxRetries - 1
		in.log.Debug("ingest: status conflicts get %d attempts, pausing %v (at most %v in total)",
			in.config.MaxRetries, backoff.Schedule(pauses), backoff.TotalBackoffTime(pauses))
	}
}

// Stop drains the queue and waits for the workers, or for ctx to end.
func (in *Ingester) Stop(ctx context.Context) error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	close(in.stopCh)
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues one line. It blocks while the queue is full.
func (in *Ingester) Submit(ctx context.Context, line Line) error {
	in.mu.RLock()
	running := in.running
	in.mu.RUnlock()
	if !running {
		return fmt.Errorf("ingester not running")
	}

	select {
	case in.queue <- line:
		atomic.AddInt64(&in.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the live counters.
func (in *Ingester) Stats() *Stats {
	return &Stats{
		Submitted:  atomic.LoadInt64(&in.submitted),
		Created:    atomic.LoadInt64(&in.created),
		Duplicates: atomic.LoadInt64(&in.duplicates),
		Failed:     atomic.LoadInt64(&in.failed),
		InProgress: int(atomic.LoadInt32(&in.inProgress)),
		Queued:     len(in.queue),
	}
}

// Run decodes every line of r, ingests them and returns the report. An
// Ingester is meant for a single Run; counters are not reset. Lines
// are processed concurrently, so their order in the store is not the input
// order; identity keeps the result the same either way.
func (in *Ingester) Run(ctx context.Context, r io.Reader) (*Report, error) {
	start := time.Now()

	lines, bad, err := Decode(r)
	if err != nil {
		return nil, err
	}
	for _, le := range bad {
		in.fail(le.Line, errors.New(le.Err))
	}

	in.Start(ctx)
	for _, line := range lines {
		if err := in.Submit(ctx, line); err != nil {
			_ = in.Stop(context.Background())
			return nil, err
		}
	}
	if err := in.Stop(ctx); err != nil {
		return nil, err
	}

	in.errMu.Lock()
	errs := append([]LineError(nil), in.errors...)
	in.errMu.Unlock()
	sort.Slice(errs, func(i, j int) bool { return errs[i].Line < errs[j].Line })

	rep := &Report{
		Lines:         len(lines) + len(bad),
		Created:       int(atomic.LoadInt64(&in.created)),
		Duplicates:    int(atomic.LoadInt64(&in.duplicates)),
		StatusUpdates: int(atomic.LoadInt64(&in.statusUpdates)),
		Failed:        int(atomic.LoadInt64(&in.failed)),
		Errors:        errs,
		Duration:      time.Since(start).Round(time.Millisecond).String(),
	}
	in.log.Info("ingest: %d lines, %d created, %d duplicates, %d failed",
		rep.Lines, rep.Created, rep.Duplicates, rep.Failed)
	return rep, nil
}

func (in *Ingester) worker(ctx context.Context) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			// Drain remaining lines before stopping
			for {
				select {
				case line := <-in.queue:
					in.process(ctx, line)
				default:
					return
				}
			}
		case line := <-in.queue:
			in.process(ctx, line)
		}
	}
}

func (in *Ingester) process(ctx context.Context, line Line) {
	atomic.AddInt32(&in.inProgress, 1)
	defer atomic.AddInt32(&in.inProgress, -1)

	sub, status, err := line.Record.Submission(DecodeOptions{
		LenientSeverity: in.config.LenientSeverity,
		DefaultTarget:   in.config.DefaultTarget,
	})
	if err != nil {
		in.fail(line.Number, err)
		return
	}

	if err := in.limiter.Wait(ctx); err != nil {
		in.fail(line.Number, err)
		return
	}

	f, created, err := in.sink.SubmitFinding(ctx, sub)
	if err != nil {
		in.fail(line.Number, err)
		return
	}
	if created {
		atomic.AddInt64(&in.created, 1)
	} else {
		atomic.AddInt64(&in.duplicates, 1)
	}
	if in.config.OnStored != nil {
		in.config.OnStored(line.Number, f, created)
	}

	if status != "" {
		if err := in.applyStatus(ctx, f, status); err != nil {
			in.fail(line.Number, err)
		}
	}
}

// applyStatus walks a finding that is still new to status one legal step at
// a time. Findings someone already moved are left alone, so re-ingesting a
// file never rolls a status back.
func (in *Ingester) applyStatus(ctx context.Context, f *finding.Finding, status finding.Status) error {
	if f.Status != finding.StatusNew {
		if f.Status != status {
			in.log.Debug("ingest: %s is already %s, not applying %s", f.ID, f.Status, status)
		}
		return nil
	}

	path, ok := StatusPath(finding.StatusNew, status)
	if !ok {
		return errors.Errorf(errors.KindInvalidTransition, "ingest.applyStatus",
			"finding %s cannot move from %s to %s", f.ID, finding.StatusNew, status)
	}
	steps := append([]finding.Status{finding.StatusNew}, path...)

	return retry.OnConflict(ctx, in.config.MaxRetries, func(ctx context.Context, attempt int) error {
		cur := f
		if attempt > 1 {
			var err error
			if cur, err = in.sink.Finding(ctx, f.ID); err != nil {
				return err
			}
			in.log.Debug("ingest: retrying status %s for %s (attempt %d)", status, f.ID, attempt)
		}

		at := -1
		for i, s := range steps {
			if s == cur.Status {
				at = i
			}
		}
		if at < 0 {
			// Moved off the path by another writer.
			return nil
		}

		for _, to := range steps[at+1:] {
			next, err := in.sink.UpdateFindingStatus(ctx, cur.ID, to, cur.Version)
			if err != nil {
				return err
			}
			cur = next
			atomic.AddInt64(&in.statusUpdates, 1)
		}
		return nil
	})
}

func (in *Ingester) fail(line int, err error) {
	atomic.AddInt64(&in.failed, 1)
	in.errMu.Lock()
	in.errors = append(in.errors, LineError{Line: line, Err: err.Error()})
	in.errMu.Unlock()

	in.log.Warn("ingest: line %d: %v", line, err)
	if in.config.OnFailed != nil {
		in.config.OnFailed(line, err)
	}
}

// StatusPath returns the shortest sequence of legal status moves from one
// status to another, excluding from itself. ok is false when to cannot be
// reached.
func StatusPath(from, to finding.Status) ([]finding.Status, bool) {
	if from == to {
		return nil, true
	}

	prev := map[finding.Status]finding.Status{from: ""}
	queue := []finding.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range finding.AllStatuses() {
			if _, seen := prev[next]; seen || !finding.CanTransition(cur, next) {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []finding.Status
				for s := to; s != from; s = prev[s] {
					path = append([]finding.Status{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
