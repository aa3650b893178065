package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the durable queue ledger events are published to.
const DefaultQueue = "ledger.events"

const (
	defaultDialTimeout = 5 * time.Second
	defaultBufferSize  = 256
)

// Publisher sends events to a RabbitMQ queue as persistent JSON messages.
// Notify only enqueues; a single worker goroutine publishes, so a slow or
// hung broker never holds up the caller. The connection is opened lazily
// and re-dialed after a failure.
type Publisher struct {
	url         string
	queue       string
	logger      *slog.Logger
	dialTimeout time.Duration

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

type PublisherOption func(*Publisher)

// WithDialTimeout bounds the TCP dial and the AMQP handshake.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithBufferSize sets how many events may wait for the worker before new
// ones are dropped.
func WithBufferSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make(chan Event, n)
		}
	}
}

func NewPublisher(url, queue string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	p := &Publisher{
		url:         url,
		queue:       queue,
		logger:      logger.With("component", "amqp"),
		dialTimeout: defaultDialTimeout,
		events:      make(chan Event, defaultBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Notify queues ev for publishing. When the queue is full or the publisher
// is closed the event is dropped and logged.
func (p *Publisher) Notify(_ context.Context, ev Event) {
	select {
	case <-p.quit:
		p.logger.Warn("publisher closed, dropping event", "type", ev.Type, "id", ev.ID)
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("publish queue full, dropping event", "type", ev.Type, "id", ev.ID)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case ev := <-p.events:
			ctx, cancel := context.WithTimeout(context.Background(), 2*p.dialTimeout)
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.Warn("publish ledger event", "type", ev.Type, "id", ev.ID, "error", err)
			}
			cancel()
		}
	}
}

// Publish sends ev synchronously, re-dialing once if the channel has gone
// away. It gives up when ctx is done.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return err
		}
		if err = p.ensureChannel(); err != nil {
			continue
		}
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
		if err == nil {
			return nil
		}
		p.closeLocked()
	}
	return err
}

func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.closeLocked()

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close stops the worker, dropping queued events, and shuts the broker
// connection. It waits for an in-flight publish to finish.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
