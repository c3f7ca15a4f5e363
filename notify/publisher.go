package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduct/execution"
)

// Publisher resolves subscriber topics for an execution and fans
// envelopes out to them. Delivery never blocks the caller: each publish
// runs on its own goroutine, and a failed per-topic publish is pushed
// onto a bounded retry queue drained on a fixed interval.
type Publisher struct {
	transport Transport
	resolver  TopicResolver
	logger    *slog.Logger

	// notificationTopic is the platform-wide user notification channel,
	// added when the execution carries subscriber ids.
	notificationTopic string

	queue      *retryQueue
	interval   time.Duration
	maxRetries int

	failures metric.Int64Counter

	inflight sync.WaitGroup
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithResolver sets the callback-topic resolver.
func WithResolver(r TopicResolver) PublisherOption {
	return func(p *Publisher) { p.resolver = r }
}

// WithNotificationTopic sets the platform notification topic.
func WithNotificationTopic(topic string) PublisherOption {
	return func(p *Publisher) { p.notificationTopic = topic }
}

// WithQueueCapacity bounds the retry queue.
func WithQueueCapacity(n int) PublisherOption {
	return func(p *Publisher) { p.queue = newRetryQueue(n) }
}

// WithRedeliveryInterval sets how often the retry queue is drained.
func WithRedeliveryInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// WithMaxRetries sets the per-event redelivery budget.
func WithMaxRetries(n int) PublisherOption {
	return func(p *Publisher) { p.maxRetries = n }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a publisher over the given transport.
func NewPublisher(transport Transport, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:  transport,
		logger:     slog.Default(),
		queue:      newRetryQueue(1000),
		interval:   30 * time.Second,
		maxRetries: 5,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	meter := otel.Meter("github.com/xraph/conduct/notify")
	if counter, err := meter.Int64Counter("conduct.notify.publish_failures",
		metric.WithDescription("Per-topic publish attempts that failed")); err == nil {
		p.failures = counter
	}
	return p
}

// PublishToTopics wraps the event in an envelope, resolves the target
// topics, and delivers asynchronously. It returns the resolved topic
// list. With no resolved topics and no subscriber ids, no envelope is
// built and the transport is never touched.
func (p *Publisher) PublishToTopics(ctx context.Context, exec *execution.Execution, eventType EventType, eventName string, data map[string]any, opts ...EnvelopeOption) ([]string, error) {
	var topics []string
	if p.resolver != nil {
		resolved, err := p.resolver.ResolveTopics(ctx, exec)
		if err != nil {
			p.logger.Warn("topic resolution failed",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
		} else {
			topics = resolved
		}
	}
	if len(exec.SubscriberIDs) > 0 && p.notificationTopic != "" {
		topics = append(topics, p.notificationTopic)
	}
	if len(topics) == 0 {
		return nil, nil
	}

	env := NewEnvelope(exec, eventType, eventName, data, opts...)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		for _, topic := range topics {
			p.deliver(context.WithoutCancel(ctx), topic, env)
		}
	}()
	return topics, nil
}

// deliver attempts one publish, queueing the event for redelivery on
// failure.
func (p *Publisher) deliver(ctx context.Context, topic string, env *Envelope) {
	err := p.transport.Publish(ctx, topic, env)
	if err == nil {
		return
	}
	if p.failures != nil {
		p.failures.Add(ctx, 1)
	}
	evicted := p.queue.push(&RetryableEvent{
		Envelope:   env,
		Topic:      topic,
		MaxRetries: p.maxRetries,
		EnqueuedAt: time.Now().UTC(),
	})
	p.logger.Warn("publish failed, queued for redelivery",
		slog.String("topic", topic),
		slog.String("event_type", string(env.Type)),
		slog.Bool("evicted_oldest", evicted),
		slog.String("error", err.Error()),
	)
}

// Redeliver drains one pass over the retry queue: events past their
// retry budget are discarded, the rest are attempted once and re-queued
// with an incremented count on failure.
func (p *Publisher) Redeliver(ctx context.Context) {
	for n := p.queue.len(); n > 0; n-- {
		ev := p.queue.pop()
		if ev == nil {
			return
		}
		if ev.RetryCount >= ev.MaxRetries {
			p.logger.Warn("dropping event after retry budget",
				slog.String("topic", ev.Topic),
				slog.String("event_type", string(ev.Envelope.Type)),
				slog.Int("retries", ev.RetryCount),
			)
			continue
		}
		if err := p.transport.Publish(ctx, ev.Topic, ev.Envelope); err != nil {
			ev.RetryCount++
			p.queue.push(ev)
		}
	}
}

// QueueLen returns the number of events awaiting redelivery.
func (p *Publisher) QueueLen() int {
	return p.queue.len()
}

// Flush waits for in-flight deliveries to settle. Used at shutdown and
// in tests; it does not drain the retry queue.
func (p *Publisher) Flush() {
	p.inflight.Wait()
}

// Start launches the background redelivery loop.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.loopWG.Add(1)
	go func() {
		defer p.loopWG.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Redeliver(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the redelivery loop and waits for in-flight deliveries.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	p.loopWG.Wait()
	p.inflight.Wait()
}
