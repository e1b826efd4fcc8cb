// Package bus is the durable, topic-routed, at-least-once delivery
// pipeline between the gateway, the generation worker and the dispatcher.
package bus

import (
	"context"
	"errors"
)

// Routing keys for the two pipeline stages. Each has a durable queue of
// the same name bound to the shared topic exchange.
const (
	RouteUserMessage      = "chat.user.msg"
	RouteGeneratedMessage = "chat.ai.msg"
)

var ErrInvalidEnvelope = errors.New("envelope is missing required fields")

// Headers represents message headers used for propagation.
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

// Message represents a delivery received from the bus. The consumer must
// Ack only after completing all side effects, or Nack to make the message
// eligible for redelivery.
type Message interface {
	Data() []byte
	Headers() Headers
	Ack() error
	Nack(requeue bool) error
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

// Client defines the interface for bus clients
type Client interface {
	// Publish publishes a message to a routing key. It returns once the
	// broker has accepted the message for durable delivery.
	Publish(ctx context.Context, routingKey string, data []byte, opts ...PublishOption) error
	// Subscribe binds a durable queue to a routing key and delivers
	// messages to cb until the context is done or the subscriber closes.
	Subscribe(ctx context.Context, routingKey, queue string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}

// UserMessage is the inbound envelope published by the gateway for every
// admitted subject message.
type UserMessage struct {
	MessageID   string `json:"message_id"`
	SubjectID   string `json:"subject_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
}

// Validate reports ErrInvalidEnvelope if any required field is missing.
func (m UserMessage) Validate() error {
	if m.MessageID == "" || m.SubjectID == "" || m.CharacterID == "" || m.SessionID == "" || m.Content == "" {
		return ErrInvalidEnvelope
	}
	return nil
}

// GeneratedMessage is the outbound envelope published by the worker for
// every generated reply.
type GeneratedMessage struct {
	MessageID   string `json:"message_id"`
	Role        string `json:"role"`
	SubjectID   string `json:"subject_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
}

// Validate reports ErrInvalidEnvelope if any required field is missing.
func (m GeneratedMessage) Validate() error {
	if m.MessageID == "" || m.Role == "" || m.SubjectID == "" || m.CharacterID == "" || m.SessionID == "" || m.Content == "" {
		return ErrInvalidEnvelope
	}
	return nil
}
