// Package fanout delivers asynchronously produced replies to the process
// holding the live connection, over a per-session Redis pub/sub channel.
package fanout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/companionchat/relay/logger"
)

const channelPrefix = "session:"

// ChannelName returns the broadcast channel for a session.
func ChannelName(sessionID string) string {
	return channelPrefix + sessionID
}

// Headers carry trace propagation context alongside the payload.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type envelope struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
}

// Subscription is one live attachment to a session channel. The owner
// must Close it when the connection ends.
type Subscription interface {
	// C yields payloads as they arrive. It is closed on teardown.
	C() <-chan []byte
	// Close detaches from the channel and releases the delivery goroutine.
	Close() error
}

// Broadcaster is the session-addressed publish/subscribe contract.
type Broadcaster interface {
	// Publish broadcasts a payload to a session's channel. A session with
	// no subscriber is not an error; the connection may be gone.
	Publish(ctx context.Context, sessionID string, payload []byte) error
	// Subscribe attaches to a session's channel until ctx is done or the
	// subscription is closed.
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) C() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// Dispatcher implements Broadcaster on Redis pub/sub. The caller owns the
// redis.Client lifecycle.
type Dispatcher struct {
	rdb    *redis.Client
	logger logger.Logger
}

var _ Broadcaster = (*Dispatcher)(nil)

// New returns a Dispatcher using the given Redis client.
func New(log logger.Logger, rdb *redis.Client) *Dispatcher {
	return &Dispatcher{
		rdb:    rdb,
		logger: log.With(map[string]interface{}{"component": "fanout"}),
	}
}

func (d *Dispatcher) Publish(ctx context.Context, sessionID string, payload []byte) error {
	msg := envelope{
		InternalData:    payload,
		InternalHeaders: make(Headers),
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)

	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	data, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := d.rdb.Publish(spanCtx, ChannelName(sessionID), data).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to publish payload: %w", err)
	}

	span.SetStatus(codes.Ok, "payload published")
	return nil
}

func (d *Dispatcher) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	pubsub := d.rdb.Subscribe(ctx, ChannelName(sessionID))
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe cannot be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session channel: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 16),
	}

	go func() {
		defer close(sub.ch)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				d.deliver(ctx, sessionID, []byte(redisMsg.Payload), sub.ch)
			}
		}
	}()

	return sub, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sessionID string, payload []byte, out chan<- []byte) {
	var msg envelope
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		d.logger.Error("failed to decode fanout payload for session %s: %s", sessionID, err)
		return
	}
	// extract the trace context from the headers
	_, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		"deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	select {
	case out <- msg.InternalData:
	case <-ctx.Done():
	}
}
