// Package worker consumes admitted subject messages, produces a generated
// reply and feeds it back into the pipeline.
package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/companionchat/relay/bus"
	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/store"
)

// Queue is the durable queue bound to the inbound routing key.
const Queue = "chat.user.msg"

// CharacterDirectory resolves a character's system prompt.
type CharacterDirectory interface {
	SystemPrompt(ctx context.Context, characterID string) (string, error)
}

// HistoryReader yields the recent conversation suffix for a session.
type HistoryReader interface {
	Read(ctx context.Context, sessionID string, limit int) ([]history.Entry, error)
}

// Worker turns subject messages into generated replies. It acks a
// delivery only after its reply has been accepted by the broker, so a
// crash mid-flight leads to redelivery rather than a lost reply.
type Worker struct {
	logger       logger.Logger
	bus          bus.Client
	characters   CharacterDirectory
	history      HistoryReader
	generator    Generator
	historyLimit int
}

// New wires a Worker from its collaborators.
func New(
	log logger.Logger,
	busClient bus.Client,
	characters CharacterDirectory,
	hist HistoryReader,
	generator Generator,
	historyLimit int,
) *Worker {
	return &Worker{
		logger:       log.With(map[string]interface{}{"component": "worker"}),
		bus:          busClient,
		characters:   characters,
		history:      hist,
		generator:    generator,
		historyLimit: historyLimit,
	}
}

// Run subscribes to the inbound queue and processes deliveries until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, bus.RouteUserMessage, Queue, w.Handle)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}

// Handle processes one delivery. Errors split into two classes: malformed
// envelopes are acked because redelivery cannot fix them; transient errors
// (lookups, generation, publish) are nacked for redelivery.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) {
	var envelope bus.UserMessage
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		w.logger.Warn("dropping malformed envelope: %s", err)
		w.ack(msg)
		return
	}
	if err := envelope.Validate(); err != nil {
		w.logger.Warn("dropping invalid envelope %s: %s", envelope.MessageID, err)
		w.ack(msg)
		return
	}

	systemPrompt, err := w.characters.SystemPrompt(ctx, envelope.CharacterID)
	if err != nil {
		w.logger.Error("failed to resolve character %s: %s", envelope.CharacterID, err)
		w.nack(msg)
		return
	}

	// History read failures degrade to an empty context rather than
	// blocking the reply.
	entries, err := w.history.Read(ctx, envelope.SessionID, w.historyLimit)
	if err != nil {
		w.logger.Warn("failed to read history for session %s: %s", envelope.SessionID, err)
		entries = nil
	}

	reply, err := w.generator.Generate(ctx, systemPrompt, entries, envelope.Content)
	if err != nil {
		w.logger.Error("generation failed for message %s: %s", envelope.MessageID, err)
		w.nack(msg)
		return
	}

	out, err := json.Marshal(bus.GeneratedMessage{
		MessageID:   uuid.NewString(),
		Role:        store.RoleGenerated,
		SubjectID:   envelope.SubjectID,
		CharacterID: envelope.CharacterID,
		SessionID:   envelope.SessionID,
		Content:     reply,
	})
	if err != nil {
		w.nack(msg)
		return
	}
	if err := w.bus.Publish(ctx, bus.RouteGeneratedMessage, out); err != nil {
		w.logger.Error("failed to publish reply for message %s: %s", envelope.MessageID, err)
		w.nack(msg)
		return
	}

	w.ack(msg)
}

func (w *Worker) ack(msg bus.Message) {
	if err := msg.Ack(); err != nil {
		w.logger.Warn("failed to ack delivery: %s", err)
	}
}

func (w *Worker) nack(msg bus.Message) {
	if err := msg.Nack(true); err != nil {
		w.logger.Warn("failed to nack delivery: %s", err)
	}
}
