package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/companionchat/relay/logger"
)

// Exchange is the shared topic exchange every queue binds to.
const Exchange = "chat"

type amqpMessage struct {
	delivery amqp.Delivery
	headers  Headers
}

func (m *amqpMessage) Data() []byte {
	return m.delivery.Body
}

func (m *amqpMessage) Headers() Headers {
	return m.headers
}

func (m *amqpMessage) Ack() error {
	return m.delivery.Ack(false)
}

func (m *amqpMessage) Nack(requeue bool) error {
	return m.delivery.Nack(false, requeue)
}

type amqpSubscriber struct {
	channel  *amqp.Channel
	consumer string
}

func (s *amqpSubscriber) Close() error {
	if err := s.channel.Cancel(s.consumer, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}
	return s.channel.Close()
}

// AMQPClient implements Client against a RabbitMQ broker.
type AMQPClient struct {
	conn   *amqp.Connection
	logger logger.Logger

	// The publish channel is shared; amqp channels must not be used for
	// concurrent publishing.
	mu      sync.Mutex
	channel *amqp.Channel
}

var _ Client = (*AMQPClient)(nil)

// NewAMQP dials the broker and declares the shared topic exchange.
func NewAMQP(url string, log logger.Logger) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPClient{
		conn:    conn,
		channel: channel,
		logger:  log.With(map[string]interface{}{"component": "bus"}),
	}, nil
}

func (c *AMQPClient) Publish(ctx context.Context, routingKey string, data []byte, opts ...PublishOption) error {
	headers := make(Headers)
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, headers)

	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	c.mu.Lock()
	err := c.channel.PublishWithContext(spanCtx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         data,
	})
	c.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *AMQPClient) Subscribe(ctx context.Context, routingKey, queue string, cb MessageCallback) (Subscriber, error) {
	channel, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := channel.QueueBind(queue, routingKey, Exchange, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := channel.Qos(10, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	consumer := fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	deliveries, err := channel.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				c.handleDelivery(ctx, delivery, cb)
			}
		}
	}()

	return &amqpSubscriber{channel: channel, consumer: consumer}, nil
}

func (c *AMQPClient) handleDelivery(ctx context.Context, delivery amqp.Delivery, cb MessageCallback) {
	headers := make(Headers)
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, headers),
		"handleDelivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer callback panicked: %v", r)
			if err := delivery.Nack(false, true); err != nil {
				c.logger.Error("failed to nack after panic: %s", err)
			}
		}
	}()

	cb(spanCtx, &amqpMessage{delivery: delivery, headers: headers})
}

func (c *AMQPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return c.conn.Close()
}
