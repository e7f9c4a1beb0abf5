package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/status"
)

// scriptedProcessor fails a configured number of times per event before
// succeeding, and records attempts.
type scriptedProcessor struct {
	mu        sync.Mutex
	failures  map[string]int // Remaining transient failures per event ID
	terminal  map[string]bool
	attempts  map[string]int
	blockCh   chan struct{} // When set, Process blocks until closed
	seenOrder []string
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		failures: make(map[string]int),
		terminal: make(map[string]bool),
		attempts: make(map[string]int),
	}
}

func (p *scriptedProcessor) Process(ctx context.Context, event common.InboundEvent) error {
	p.mu.Lock()
	p.attempts[event.EventID]++
	p.seenOrder = append(p.seenOrder, event.EventID)
	block := p.blockCh
	p.mu.Unlock()

	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminal[event.EventID] {
		return common.Validationf("schema is not valid")
	}
	if p.failures[event.EventID] > 0 {
		p.failures[event.EventID]--
		return errors.New("sink unavailable")
	}
	return nil
}

func (p *scriptedProcessor) attemptCount(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[eventID]
}

func newTestCoordinator(t *testing.T, processor Processor, config Config) (*Coordinator, *status.Tracker) {
	t.Helper()
	tracker := status.NewTracker()
	if config.RetryBase == 0 {
		config.RetryBase = time.Millisecond
	}
	c, err := NewCoordinator(processor, tracker, config)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c, tracker
}

func inbound(id string) common.InboundEvent {
	return common.InboundEvent{
		EventID:   id,
		EventType: "orders",
		Payload:   map[string]any{"name": "orders"},
		Metadata:  map[string]any{"tenantId": "acme"},
	}
}

func TestIngest_SuccessCompletesFirstAttempt(t *testing.T) {
	processor := newScriptedProcessor()
	c, tracker := newTestCoordinator(t, processor, Config{})

	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)

	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, final.State)
	assert.Equal(t, 1, processor.attemptCount("evt-1"))

	st, ok := tracker.Get("evt-1")
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, st.State)
}

func TestIngest_ReturnsBeforeProcessingFinishes(t *testing.T) {
	processor := newScriptedProcessor()
	processor.blockCh = make(chan struct{})
	c, tracker := newTestCoordinator(t, processor, Config{})

	start := time.Now()
	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Ingest must not wait for processing")

	st, ok := tracker.Get("evt-1")
	require.True(t, ok)
	assert.False(t, st.State.Terminal())

	close(processor.blockCh)
	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, final.State)
}

func TestIngest_TransientFailureRetriesThenCompletes(t *testing.T) {
	processor := newScriptedProcessor()
	processor.failures["evt-1"] = 2
	c, _ := newTestCoordinator(t, processor, Config{MaxAttempts: 3})

	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)

	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, final.State)
	assert.Equal(t, 3, processor.attemptCount("evt-1"))
}

func TestIngest_ExhaustedRetriesFailWithLastError(t *testing.T) {
	processor := newScriptedProcessor()
	processor.failures["evt-1"] = 100
	c, _ := newTestCoordinator(t, processor, Config{MaxAttempts: 3})

	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)

	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, final.State)
	assert.Contains(t, final.Message, "sink unavailable")
	assert.Equal(t, 3, processor.attemptCount("evt-1"))
}

func TestIngest_RetryBackoffDoubles(t *testing.T) {
	processor := newScriptedProcessor()
	processor.failures["evt-1"] = 2
	base := 20 * time.Millisecond
	c, _ := newTestCoordinator(t, processor, Config{MaxAttempts: 3, RetryBase: base})

	start := time.Now()
	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)
	f.Get()

	// Waits of base*2 and base*4 separate the three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 6*base)
}

func TestIngest_ValidationFailureIsNotRetried(t *testing.T) {
	processor := newScriptedProcessor()
	processor.terminal["evt-1"] = true
	c, _ := newTestCoordinator(t, processor, Config{MaxAttempts: 3})

	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)

	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, final.State)
	assert.Contains(t, final.Message, "schema is not valid")
	assert.Equal(t, 1, processor.attemptCount("evt-1"))
}

func TestIngest_MissingEventIDIsRejected(t *testing.T) {
	processor := newScriptedProcessor()
	c, tracker := newTestCoordinator(t, processor, Config{})

	_, err := c.Ingest(common.InboundEvent{EventType: "orders"})

	require.Error(t, err)
	assert.True(t, common.IsValidation(err))
	assert.Equal(t, 0, tracker.Len(), "no status entry for untrackable events")
}

func TestIngest_RejectedWhenStopped(t *testing.T) {
	processor := newScriptedProcessor()
	tracker := status.NewTracker()
	c, err := NewCoordinator(processor, tracker, Config{})
	require.NoError(t, err)

	_, err = c.Ingest(inbound("evt-1"))
	assert.Error(t, err, "not started yet")

	c.Start()
	c.Stop()

	_, err = c.Ingest(inbound("evt-2"))
	assert.Error(t, err, "stopped")
}

func TestIngest_StopCancelsRetryWait(t *testing.T) {
	processor := newScriptedProcessor()
	processor.failures["evt-1"] = 100
	tracker := status.NewTracker()
	c, err := NewCoordinator(processor, tracker, Config{
		MaxAttempts: 3,
		RetryBase:   10 * time.Second, // Would block for 20s without cancellation
	})
	require.NoError(t, err)
	c.Start()

	f, err := c.Ingest(inbound("evt-1"))
	require.NoError(t, err)

	// Let the first attempt fail and the retry wait begin.
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the retry wait")
	}

	final, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, status.StateCancelled, final.State)
}

func TestIngestBatch_FailureIsolation(t *testing.T) {
	processor := newScriptedProcessor()
	processor.terminal["evt-3"] = true
	c, tracker := newTestCoordinator(t, processor, Config{})

	events := make([]common.InboundEvent, 0, 5)
	for i := 1; i <= 5; i++ {
		events = append(events, inbound(fmt.Sprintf("evt-%d", i)))
	}

	f, err := c.IngestBatch(events)
	require.NoError(t, err)

	results, err := f.Get()
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("evt-%d", i)
		st, ok := tracker.Get(id)
		require.True(t, ok)
		if id == "evt-3" {
			assert.Equal(t, status.StateFailed, st.State)
		} else {
			assert.Equal(t, status.StateCompleted, st.State, "siblings of a failed event still complete")
		}
	}
}

func TestIngestBatch_PreservesOrder(t *testing.T) {
	processor := newScriptedProcessor()
	c, _ := newTestCoordinator(t, processor, Config{})

	events := []common.InboundEvent{inbound("a"), inbound("b"), inbound("c")}
	f, err := c.IngestBatch(events)
	require.NoError(t, err)
	f.Get()

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, processor.seenOrder)
}

func TestIngestBatch_SkipsEventsWithoutID(t *testing.T) {
	processor := newScriptedProcessor()
	c, tracker := newTestCoordinator(t, processor, Config{})

	f, err := c.IngestBatch([]common.InboundEvent{
		inbound("evt-1"),
		{EventType: "orders"},
		inbound("evt-2"),
	})
	require.NoError(t, err)

	results, err := f.Get()
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, tracker.Len())
}

func TestIngest_WorkerSlotsBoundConcurrency(t *testing.T) {
	processor := newScriptedProcessor()
	processor.blockCh = make(chan struct{})
	c, tracker := newTestCoordinator(t, processor, Config{WorkerSlots: 2})

	var futures []interface{ Get() (status.Status, error) }
	for i := 0; i < 4; i++ {
		f, err := c.Ingest(inbound(fmt.Sprintf("evt-%d", i)))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	// Only two units can hold slots; the rest stay pending.
	assert.Eventually(t, func() bool {
		processing := 0
		for i := 0; i < 4; i++ {
			st, _ := tracker.Get(fmt.Sprintf("evt-%d", i))
			if st.State == status.StateProcessing {
				processing++
			}
		}
		return processing == 2
	}, time.Second, 5*time.Millisecond)

	close(processor.blockCh)
	for _, f := range futures {
		final, err := f.Get()
		require.NoError(t, err)
		assert.Equal(t, status.StateCompleted, final.State)
	}
}
