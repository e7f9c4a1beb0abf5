// Package ingest accepts inbound events, records their status and
// dispatches asynchronous processing with bounded retry. There is no
// durable queue behind dispatch: a process crash between acceptance and
// completion loses the event.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/status"
	"github.com/lily-data/metapipe/telemetry"
)

const (
	// DefaultMaxAttempts before an event fails terminally
	DefaultMaxAttempts = 3
	// DefaultRetryBase scales the exponential backoff: wait = base * 2^attempt
	DefaultRetryBase = time.Second
	// DefaultWorkerSlots bounds concurrently processing units
	DefaultWorkerSlots = 64
)

// Processor runs one event through the processing pipeline.
type Processor interface {
	Process(ctx context.Context, event common.InboundEvent) error
}

// Config configures the ingestion coordinator
type Config struct {
	MaxAttempts int           // Attempts per event (default 3)
	RetryBase   time.Duration // Backoff base (default 1s: waits 2s, 4s, 8s...)
	WorkerSlots int           // Concurrent processing units (default 64)
}

// Coordinator dispatches one concurrent processing unit per ingested
// event, bounded by worker slots. Retry waits suspend only the unit
// handling that event.
type Coordinator struct {
	processor Processor
	tracker   *status.Tracker
	config    Config

	slots       chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewCoordinator creates a coordinator. Call Start before ingesting.
func NewCoordinator(processor Processor, tracker *status.Tracker, config Config) (*Coordinator, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("status tracker is required")
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if config.WorkerSlots <= 0 {
		config.WorkerSlots = DefaultWorkerSlots
	}

	return &Coordinator{
		processor: processor,
		tracker:   tracker,
		config:    config,
	}, nil
}

// Start makes the coordinator accept events.
func (c *Coordinator) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return // Already running
	}

	c.slots = make(chan struct{}, c.config.WorkerSlots)
	c.stopCh = make(chan struct{})
	c.running.Store(true)

	log.Info().
		Int("worker_slots", c.config.WorkerSlots).
		Int("max_attempts", c.config.MaxAttempts).
		Msg("Ingestion coordinator started")
}

// Stop rejects new events, cancels in-flight retry waits and waits for
// all units to finish.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return // Not running
	}

	log.Info().Msg("Stopping ingestion coordinator")

	c.running.Store(false)
	close(c.stopCh)
	c.wg.Wait()

	log.Info().Msg("Ingestion coordinator stopped")
}

// Ingest records status PENDING for the event and dispatches processing
// as an independent concurrent unit, returning without waiting. The
// returned future resolves to the event's terminal status.
//
// An event without an ID cannot be tracked: it is rejected before any
// status entry is created.
func (c *Coordinator) Ingest(event common.InboundEvent) (*future.Future[status.Status], error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("coordinator is not running")
	}

	if event.EventID == "" {
		telemetry.EventsRejectedTotal.Inc()
		return nil, common.Validationf("event is missing an eventId")
	}

	c.tracker.Update(event.EventID, status.StatePending, "Queued for processing")
	telemetry.EventsIngestedTotal.Inc()

	p := future.NewPromise[status.Status]()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runUnit(event, p)
	}()

	return p.Future(), nil
}

// IngestBatch processes an ordered sequence of events for one source in
// a single unit. One event's failure never alters the processing or
// status of its siblings. The future resolves once every event has
// reached a terminal status.
func (c *Coordinator) IngestBatch(events []common.InboundEvent) (*future.Future[[]status.Status], error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("coordinator is not running")
	}

	accepted := make([]common.InboundEvent, 0, len(events))
	for _, event := range events {
		if event.EventID == "" {
			telemetry.EventsRejectedTotal.Inc()
			continue
		}
		c.tracker.Update(event.EventID, status.StatePending, "Queued for batch processing")
		telemetry.EventsIngestedTotal.Inc()
		accepted = append(accepted, event)
	}

	p := future.NewPromise[[]status.Status]()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if !c.acquireSlot() {
			results := c.cancelAll(accepted)
			p.Set(results, nil)
			return
		}
		defer c.releaseSlot()

		results := make([]status.Status, 0, len(accepted))
		for _, event := range accepted {
			ctx := common.WithTenant(context.Background(), event.Tenant())
			results = append(results, c.runAttempts(ctx, event))
		}
		p.Set(results, nil)
	}()

	return p.Future(), nil
}

func (c *Coordinator) runUnit(event common.InboundEvent, p *future.Promise[status.Status]) {
	if !c.acquireSlot() {
		final := c.cancel(event.EventID, "Shutdown before processing started")
		p.Set(final, nil)
		return
	}
	defer c.releaseSlot()

	ctx := common.WithTenant(context.Background(), event.Tenant())
	p.Set(c.runAttempts(ctx, event), nil)
}

func (c *Coordinator) acquireSlot() bool {
	select {
	case c.slots <- struct{}{}:
		telemetry.ActiveUnits.Inc()
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Coordinator) releaseSlot() {
	telemetry.ActiveUnits.Dec()
	<-c.slots
}

// runAttempts drives the event's status state machine through up to
// MaxAttempts pipeline runs.
func (c *Coordinator) runAttempts(ctx context.Context, event common.InboundEvent) status.Status {
	requestID := event.EventID

	for attempt := 1; ; attempt++ {
		c.tracker.Update(requestID, status.StateProcessing,
			fmt.Sprintf("Processing attempt %d", attempt))

		err := c.processor.Process(ctx, event)
		if err == nil {
			c.tracker.Update(requestID, status.StateCompleted, "Processing completed")
			telemetry.EventsProcessedTotal.With("completed").Inc()
			return c.current(requestID)
		}

		if common.IsValidation(err) {
			log.Warn().Err(err).Str("event_id", requestID).Msg("Event failed validation")
			c.tracker.Update(requestID, status.StateFailed, err.Error())
			telemetry.EventsProcessedTotal.With("failed").Inc()
			return c.current(requestID)
		}

		if attempt >= c.config.MaxAttempts {
			log.Error().Err(err).
				Str("event_id", requestID).
				Int("attempts", attempt).
				Msg("Event processing failed, all retries exhausted")
			c.tracker.Update(requestID, status.StateFailed,
				"Error processing metadata after retries: "+err.Error())
			telemetry.EventsProcessedTotal.With("failed").Inc()
			return c.current(requestID)
		}

		delay := c.config.RetryBase * (1 << attempt)
		log.Warn().Err(err).
			Str("event_id", requestID).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Event processing failed, retrying")
		telemetry.ProcessingRetriesTotal.Inc()

		if !c.sleep(delay) {
			return c.cancel(requestID, "Shutdown during retry wait")
		}
	}
}

func (c *Coordinator) cancel(requestID, message string) status.Status {
	c.tracker.Update(requestID, status.StateCancelled, message)
	telemetry.EventsProcessedTotal.With("cancelled").Inc()
	return c.current(requestID)
}

func (c *Coordinator) cancelAll(events []common.InboundEvent) []status.Status {
	results := make([]status.Status, 0, len(events))
	for _, event := range events {
		results = append(results, c.cancel(event.EventID, "Shutdown before processing started"))
	}
	return results
}

func (c *Coordinator) current(requestID string) status.Status {
	st, _ := c.tracker.Get(requestID)
	return st
}

// sleep waits for the given duration, checking stopCh.
// Returns true if the wait completed, false if stopped.
func (c *Coordinator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
