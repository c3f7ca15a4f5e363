package notify

import (
	"context"
	"sync"

	"github.com/xraph/conduct/execution"
)

// Transport delivers one envelope to one topic.
type Transport interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// TopicResolver supplies the active callback topics for an execution.
// Subscription bookkeeping lives outside this module; the publisher only
// consumes the boundary.
type TopicResolver interface {
	ResolveTopics(ctx context.Context, exec *execution.Execution) ([]string, error)
}

// ResolverFunc adapts a function to the TopicResolver interface.
type ResolverFunc func(ctx context.Context, exec *execution.Execution) ([]string, error)

// ResolveTopics implements TopicResolver.
func (f ResolverFunc) ResolveTopics(ctx context.Context, exec *execution.Execution) ([]string, error) {
	return f(ctx, exec)
}

// ──────────────────────────────────────────────────
// Memory transport
// ──────────────────────────────────────────────────

// Memory is an in-process transport that records published envelopes,
// for tests and single-process embedding.
type Memory struct {
	mu     sync.Mutex
	events map[string][]*Envelope
	err    error
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]*Envelope)}
}

// Publish records the envelope under the topic, or returns the injected
// error when one is set.
func (m *Memory) Publish(_ context.Context, topic string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events[topic] = append(m.events[topic], env)
	return nil
}

// SetError makes every subsequent Publish fail with err. Pass nil to
// restore delivery.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Events returns the envelopes published to a topic.
func (m *Memory) Events(topic string) []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Envelope, len(m.events[topic]))
	copy(out, m.events[topic])
	return out
}

// Total returns the number of envelopes published across all topics.
func (m *Memory) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, evs := range m.events {
		n += len(evs)
	}
	return n
}
