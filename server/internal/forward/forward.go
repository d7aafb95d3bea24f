package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/obsidianstack/changeagent/pkg/types"
	"github.com/obsidianstack/changeagent/server/internal/config"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	publishTimeout    = 10 * time.Second

	// DefaultBufferSize is the number of messages held while the broker is
	// unreachable.
	DefaultBufferSize = 1000
)

// Message is the JSON body published for every accepted batch.
type Message struct {
	MachineID  uint64        `json:"machine_id"`
	SessionID  string        `json:"session_id,omitempty"`
	BatchID    string        `json:"batch_id"`
	Cursor     uint64        `json:"cursor"`
	ReceivedAt time.Time     `json:"received_at"`
	Events     []types.Event `json:"events"`
}

// publisher is one open broker channel.
type publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// dialFunc opens a publisher. Abstracted so tests can avoid a broker.
type dialFunc func(ctx context.Context, cfg config.ForwardConfig) (publisher, error)

// Forwarder buffers Messages and publishes them to the configured exchange.
type Forwarder struct {
	cfg    config.ForwardConfig
	buf    chan Message
	dialFn dialFunc // injectable for tests

	initial time.Duration // first backoff step, injectable for tests
}

// New creates a Forwarder holding up to bufSize pending messages.
func New(cfg config.ForwardConfig, bufSize int) *Forwarder {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Forwarder{
		cfg:     cfg,
		buf:     make(chan Message, bufSize),
		dialFn:  dialAMQP,
		initial: backoffInitial,
	}
}

// Forward enqueues msg. If the buffer is full the oldest entry is evicted
// to make room.
func (f *Forwarder) Forward(msg Message) {
	select {
	case f.buf <- msg:
	default:
		select {
		case old := <-f.buf:
			slog.Warn("forward: buffer full, evicted oldest batch",
				"batch", old.BatchID, "buffer_cap", cap(f.buf))
		default:
		}
		select {
		case f.buf <- msg:
		default:
		}
	}
}

// Run drains the buffer, publishing to the broker. It reconnects with
// exponential backoff when the connection is lost. Run blocks until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	bo := newBackoff(f.initial)

	for {
		if ctx.Err() != nil {
			return
		}

		pub, err := f.dialFn(ctx, f.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("forward: dial failed, will retry",
				"exchange", f.cfg.Exchange, "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		slog.Info("forward: connected", "exchange", f.cfg.Exchange)
		bo.reset()

		err = f.drain(ctx, pub)
		pub.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("forward: connection lost, will reconnect",
			"exchange", f.cfg.Exchange, "err", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// drain publishes buffered messages until a publish fails or ctx is
// cancelled.
func (f *Forwarder) drain(ctx context.Context, pub publisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-f.buf:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := pub.Publish(pubCtx, msg)
			cancel()

			if err != nil {
				// Put the message back if there's room; otherwise it is lost.
				select {
				case f.buf <- msg:
				default:
				}
				return fmt.Errorf("publish: %w", err)
			}
			slog.Debug("forward: batch published", "batch", msg.BatchID, "machine_id", msg.MachineID)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// amqpPublisher publishes on one AMQP channel.
type amqpPublisher struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// dialAMQP connects to the broker and declares a durable topic exchange.
func dialAMQP(_ context.Context, cfg config.ForwardConfig) (publisher, error) {
	url := cfg.URL()
	if url == "" {
		return nil, fmt.Errorf("environment variable %q is empty", cfg.URLEnv)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	return &amqpPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, routingKey: cfg.RoutingKey}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, msg Message) error {
	pub, err := publishing(msg)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, pub)
}

func (p *amqpPublisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}

// publishing builds the AMQP message for msg.
func publishing(msg Message) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode batch %s: %w", msg.BatchID, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.BatchID,
		Timestamp:    msg.ReceivedAt,
		Headers:      amqp.Table{"machine_id": int64(msg.MachineID)},
		Body:         body,
	}, nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	current time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{initial: initial, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
