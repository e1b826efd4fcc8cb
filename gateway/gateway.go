// Package gateway terminates live WebSocket connections and drives
// inbound messages into the relay pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/companionchat/relay/bus"
	"github.com/companionchat/relay/fanout"
	"github.com/companionchat/relay/frames"
	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/ratelimit"
	"github.com/companionchat/relay/registry"
	"github.com/companionchat/relay/store"
)

// Close codes sent when a connection is refused before any resources are
// registered.
const (
	CloseInvalidToken   websocket.StatusCode = 4001
	CloseSessionFailure websocket.StatusCode = 4002
)

const cleanupTimeout = 5 * time.Second

// IdentityVerifier exchanges an opaque credential for a verified subject id.
type IdentityVerifier interface {
	Validate(ctx context.Context, token string) (string, error)
}

// Gateway owns the WebSocket endpoint. All dependencies are injected; the
// gateway holds no process-wide state of its own beyond the registry it
// is handed.
type Gateway struct {
	logger   logger.Logger
	store    store.Store
	registry *registry.Registry
	history  *history.Cache
	bus      bus.Client
	fanout   fanout.Broadcaster
	identity IdentityVerifier
	limiter  *ratelimit.Limiter
}

// New wires a Gateway from its collaborators.
func New(
	log logger.Logger,
	st store.Store,
	reg *registry.Registry,
	hist *history.Cache,
	busClient bus.Client,
	broadcaster fanout.Broadcaster,
	identity IdentityVerifier,
	limiter *ratelimit.Limiter,
) *Gateway {
	return &Gateway{
		logger:   log.With(map[string]interface{}{"component": "gateway"}),
		store:    st,
		registry: reg,
		history:  hist,
		bus:      busClient,
		fanout:   broadcaster,
		identity: identity,
		limiter:  limiter,
	}
}

// RegisterRoutes attaches the gateway endpoints to an echo server.
func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", g.handleHealth)
	e.GET("/ws/:character_id", g.handleWS)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "chat-gateway"})
}

func (g *Gateway) handleWS(c echo.Context) error {
	characterID := c.Param("character_id")
	token := c.QueryParam("token")

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		// Accept has already written the handshake error response.
		return nil
	}

	ctx := c.Request().Context()

	subjectID, err := g.identity.Validate(ctx, token)
	if err != nil {
		g.logger.Warn("refused connection for character %s: %s", characterID, err)
		conn.Close(CloseInvalidToken, "invalid token")
		return nil
	}

	session, err := g.store.CreateSession(ctx, subjectID, characterID)
	if err != nil {
		g.logger.Error("failed to create session for subject %s: %s", subjectID, err)
		conn.Close(CloseSessionFailure, "failed to create session")
		return nil
	}

	g.serve(ctx, conn, session)
	return nil
}

// serve runs a connection until disconnect. The read pump and the fan-out
// pump progress concurrently and are torn down together.
func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, session *store.Session) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	transport := newWSTransport(conn)
	g.registry.Register(session.ID, session.SubjectID, session.CharacterID, transport)

	sub, err := g.fanout.Subscribe(ctx, session.ID)
	if err != nil {
		g.logger.Error("failed to subscribe to session channel %s: %s", session.ID, err)
		g.registry.Unregister(session.ID)
		g.closeSession(session.ID)
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}

	g.logger.Info("connection established: session=%s subject=%s character=%s",
		session.ID, session.SubjectID, session.CharacterID)

	if err := transport.Write(ctx, frames.Connection(session.ID, session.SubjectID, session.CharacterID).Encode()); err != nil {
		g.logger.Warn("failed to send connection frame for session %s: %s", session.ID, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.readPump(egCtx, conn, transport, session)
	})
	eg.Go(func() error {
		return g.fanoutPump(egCtx, session.ID, sub)
	})
	err = eg.Wait()

	// Independent best-effort cleanup: each step runs even if another
	// fails.
	cancel()
	g.registry.Unregister(session.ID)
	if cerr := sub.Close(); cerr != nil {
		g.logger.Warn("failed to close fanout subscription for session %s: %s", session.ID, cerr)
	}
	g.closeSession(session.ID)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		g.logger.Info("connection closed: session=%s", session.ID)
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("connection ended: session=%s: %s", session.ID, err)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// closeSession marks the session closed with a fresh context so cleanup
// survives the connection context being cancelled.
func (g *Gateway) closeSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := g.store.CloseSession(ctx, sessionID); err != nil {
		g.logger.Error("failed to close session %s: %s", sessionID, err)
	}
}

type inboundFrame struct {
	Content string `json:"content"`
}

// readPump processes inbound frames in receipt order until the transport
// or the context ends.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, transport *wsTransport, session *store.Session) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			g.sendFrame(ctx, transport, session.ID, frames.Error("invalid JSON"))
			continue
		}
		if in.Content == "" {
			g.sendFrame(ctx, transport, session.ID, frames.Error("empty message"))
			continue
		}

		g.handleInbound(ctx, transport, session, in.Content)
	}
}

// handleInbound admits, persists and enqueues one subject message. A
// failure affects only this message; the connection remains usable.
func (g *Gateway) handleInbound(ctx context.Context, transport *wsTransport, session *store.Session, content string) {
	// A rejected message must leave no trace: no durable row, no cache
	// entry, nothing on the bus. The rejection reaches the connection
	// through its own fan-out subscription.
	if !g.limiter.Consume(session.SubjectID, 1) {
		g.logger.Warn("rate limited subject %s on session %s", session.SubjectID, session.ID)
		if err := g.fanout.Publish(ctx, session.ID, frames.Error("rate limit exceeded, please slow down").Encode()); err != nil {
			g.logger.Warn("failed to publish rate limit frame to session %s: %s", session.ID, err)
		}
		return
	}

	msg := &store.Message{
		ID:          uuid.NewString(),
		SubjectID:   session.SubjectID,
		CharacterID: session.CharacterID,
		SessionID:   session.ID,
		Role:        store.RoleSubject,
		Content:     content,
	}
	if err := g.store.InsertMessage(ctx, msg); err != nil {
		g.logger.Error("failed to save message for session %s: %s", session.ID, err)
		g.sendFrame(ctx, transport, session.ID, frames.Error("failed to save message"))
		return
	}

	// Cache writes are best-effort; the durable write above is the record.
	if err := g.history.Append(ctx, session.ID, history.Entry{
		Role:      store.RoleSubject,
		Content:   content,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		g.logger.Warn("failed to cache message for session %s: %s", session.ID, err)
	}

	envelope, err := json.Marshal(bus.UserMessage{
		MessageID:   msg.ID,
		SubjectID:   session.SubjectID,
		CharacterID: session.CharacterID,
		SessionID:   session.ID,
		Content:     content,
	})
	if err != nil {
		g.sendFrame(ctx, transport, session.ID, frames.Error("message was not sent"))
		return
	}
	if err := g.bus.Publish(ctx, bus.RouteUserMessage, envelope); err != nil {
		g.logger.Error("failed to publish message for session %s: %s", session.ID, err)
		g.sendFrame(ctx, transport, session.ID, frames.Error("message was not sent"))
		return
	}

	g.sendFrame(ctx, transport, session.ID, frames.Echo(store.RoleSubject, content))
}

// fanoutPump forwards asynchronously produced replies to the live
// connection.
func (g *Gateway) fanoutPump(ctx context.Context, sessionID string, sub fanout.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := g.registry.Send(ctx, sessionID, payload); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) sendFrame(ctx context.Context, transport *wsTransport, sessionID string, frame frames.Frame) {
	if err := transport.Write(ctx, frame.Encode()); err != nil {
		g.logger.Warn("failed to write frame to session %s: %s", sessionID, err)
	}
}
