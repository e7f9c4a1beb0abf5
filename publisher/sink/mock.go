package sink

import (
	"sync"
)

// MockSink is a Sink implementation for testing that records published
// messages in memory.
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage
	err      error
}

// MockMessage is one recorded publish call.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// NewMockSink creates an empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// FailWith makes every subsequent Publish return err.
func (m *MockSink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.messages = append(m.messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: append([]byte(nil), value...),
	})
	return nil
}

func (m *MockSink) Close() error {
	return nil
}

// Messages returns a copy of all recorded publishes.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}
