// Package classify summarises finished calls and stores the result.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"vaxllo/calls"
)

const scopeName = "vaxllo/classify"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	classified, _ = meter.Int64Counter("vaxllo.classify.records",
		metric.WithDescription("Calls classified and stored"))
	failures, _ = meter.Int64Counter("vaxllo.classify.failures",
		metric.WithDescription("Calls that could not be classified or stored"))
)

type Config struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	// RetryBackoff is the pause before the second attempt; it doubles after.
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    100,
		Timeout:      30 * time.Second,
		MaxAttempts:  1,
		RetryBackoff: 5 * time.Second,
	}
}

// Classifier runs post-call classification on a pool of workers. Submit
// returns once the snapshot is queued.
type Classifier struct {
	cfg       Config
	generator calls.Generator
	sink      calls.RecordSink
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan calls.Snapshot
	wg     sync.WaitGroup
	stop   chan struct{}
	halt   sync.Once
}

func New(cfg Config, generator calls.Generator, sink calls.RecordSink, logger *slog.Logger) *Classifier {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		cfg:       cfg,
		generator: generator,
		sink:      sink,
		logger:    logger.With("component", "classifier"),
		queue:     make(chan calls.Snapshot, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.work()
	}
	return c
}

// Submit queues a finished call. Snapshots without turns are dropped. When
// the queue is full Submit waits for room.
func (c *Classifier) Submit(snap calls.Snapshot) {
	if len(snap.Turns) == 0 {
		c.logger.Info("no conversation to classify", "call_control_id", snap.Token)
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Warn("classifier closed, call dropped", "call_control_id", snap.Token)
		return
	}
	c.queue <- snap
}

// Close stops intake and waits for queued calls to be processed or ctx to
// expire. Retries still pending when ctx expires are abandoned.
func (c *Classifier) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.halt.Do(func() { close(c.stop) })
		return fmt.Errorf("classifier drain: %w", ctx.Err())
	}
}

func (c *Classifier) work() {
	defer c.wg.Done()
	for snap := range c.queue {
		c.process(snap)
	}
}

func (c *Classifier) process(snap calls.Snapshot) {
	log := c.logger.With("call_control_id", snap.Token)
	backoff := c.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-c.stop:
				log.Warn("classification abandoned on shutdown")
				return
			}
			backoff *= 2
		}
		var rec calls.CallRecord
		rec, err = c.classifyAndStore(snap)
		if err == nil {
			classified.Add(context.Background(), 1)
			log.Info("call classified", "record_id", rec.ID, "tag", rec.Tag, "urgency", rec.Urgency, "attempt", attempt)
			return
		}
		log.Warn("classification attempt failed", "attempt", attempt, "err", err)
	}

	reason := "store"
	switch {
	case errors.Is(err, ErrClassificationParse):
		reason = "parse"
	case errors.Is(err, calls.ErrGeneration):
		reason = "generation"
	}
	failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	log.Error("call not classified", "attempts", c.cfg.MaxAttempts, "err", err)
}

func (c *Classifier) classifyAndStore(snap calls.Snapshot) (calls.CallRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "classify call")
	defer span.End()

	res, err := c.Classify(ctx, snap.Turns)
	if err != nil {
		span.RecordError(err)
		return calls.CallRecord{}, err
	}

	rec := calls.CallRecord{
		ID:           uuid.NewString(),
		OwnerID:      snap.OwnerID,
		CallerNumber: snap.CallerNumber,
		Transcript:   RenderTranscript(snap.Turns),
		Summary:      res.Summary,
		Tag:          res.Tag,
		Urgency:      res.Urgency,
		CreatedAt:    snap.EndedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := c.sink.SaveCallRecord(ctx, rec); err != nil {
		span.RecordError(err)
		return calls.CallRecord{}, fmt.Errorf("failed to save call record: %w", err)
	}
	return rec, nil
}

// Classify asks the generator for one classification of turns.
func (c *Classifier) Classify(ctx context.Context, turns []calls.Turn) (Result, error) {
	prompt, err := BuildPrompt(RenderTranscript(turns))
	if err != nil {
		return Result{}, err
	}
	completion, err := c.generator.Generate(ctx, calls.GenerateRequest{Prompt: prompt, JSON: true})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", calls.ErrGeneration, err)
	}
	return Parse(completion.Text)
}
