// Package dispatcher consumes generated replies, records them and routes
// them to whichever process holds the live connection.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/companionchat/relay/bus"
	"github.com/companionchat/relay/fanout"
	"github.com/companionchat/relay/frames"
	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/store"
)

// Queue is the durable queue bound to the outbound routing key.
const Queue = "chat.ai.msg"

// HistoryAppender pushes one entry onto a session's cached conversation.
type HistoryAppender interface {
	Append(ctx context.Context, sessionID string, entry history.Entry) error
}

// Dispatcher lands generated replies: durable insert, cache append, then
// fan-out to the session channel. The durable insert doubles as the
// dedup point for redeliveries.
type Dispatcher struct {
	logger  logger.Logger
	bus     bus.Client
	store   store.Store
	history HistoryAppender
	fanout  fanout.Broadcaster
}

// New wires a Dispatcher from its collaborators.
func New(
	log logger.Logger,
	busClient bus.Client,
	st store.Store,
	hist HistoryAppender,
	broadcaster fanout.Broadcaster,
) *Dispatcher {
	return &Dispatcher{
		logger:  log.With(map[string]interface{}{"component": "dispatcher"}),
		bus:     busClient,
		store:   st,
		history: hist,
		fanout:  broadcaster,
	}
}

// Run subscribes to the outbound queue and processes deliveries until ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, bus.RouteGeneratedMessage, Queue, d.Handle)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}

// Handle processes one delivery. A reply already persisted under its
// message id is a redelivery whose side effects already ran; it is acked
// and skipped so at-least-once delivery never duplicates the record.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) {
	var envelope bus.GeneratedMessage
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		d.logger.Warn("dropping malformed envelope: %s", err)
		d.ack(msg)
		return
	}
	if err := envelope.Validate(); err != nil {
		d.logger.Warn("dropping invalid envelope %s: %s", envelope.MessageID, err)
		d.ack(msg)
		return
	}

	exists, err := d.store.MessageExists(ctx, envelope.MessageID)
	if err != nil {
		d.logger.Error("failed to check message %s: %s", envelope.MessageID, err)
		d.nack(msg)
		return
	}
	if exists {
		d.logger.Debug("skipping already delivered message %s", envelope.MessageID)
		d.ack(msg)
		return
	}

	now := time.Now().UTC()
	record := &store.Message{
		ID:          envelope.MessageID,
		SubjectID:   envelope.SubjectID,
		CharacterID: envelope.CharacterID,
		SessionID:   envelope.SessionID,
		Role:        envelope.Role,
		Content:     envelope.Content,
		CreatedAt:   now,
	}
	if err := d.store.InsertMessage(ctx, record); err != nil {
		d.logger.Error("failed to persist message %s: %s", envelope.MessageID, err)
		d.nack(msg)
		return
	}

	// Best-effort from here: the record is durable, the rest is delivery.
	if err := d.history.Append(ctx, envelope.SessionID, history.Entry{
		Role:      envelope.Role,
		Content:   envelope.Content,
		Timestamp: now.Format(time.RFC3339Nano),
	}); err != nil {
		d.logger.Warn("failed to cache message %s: %s", envelope.MessageID, err)
	}

	frame := frames.AIResponse(envelope.Role, envelope.Content, envelope.SessionID, envelope.SubjectID, envelope.CharacterID)
	if err := d.fanout.Publish(ctx, envelope.SessionID, frame.Encode()); err != nil {
		d.logger.Warn("failed to fan out message %s to session %s: %s", envelope.MessageID, envelope.SessionID, err)
	}

	d.ack(msg)
}

func (d *Dispatcher) ack(msg bus.Message) {
	if err := msg.Ack(); err != nil {
		d.logger.Warn("failed to ack delivery: %s", err)
	}
}

func (d *Dispatcher) nack(msg bus.Message) {
	if err := msg.Nack(true); err != nil {
		d.logger.Warn("failed to nack delivery: %s", err)
	}
}
