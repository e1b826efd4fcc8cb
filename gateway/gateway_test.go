package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionchat/relay/bus"
	"github.com/companionchat/relay/fanout"
	"github.com/companionchat/relay/frames"
	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/ratelimit"
	"github.com/companionchat/relay/registry"
	"github.com/companionchat/relay/store"
)

type fakeIdentity struct {
	subjectID string
	err       error
}

func (f *fakeIdentity) Validate(ctx context.Context, token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.subjectID, nil
}

type publishRecord struct {
	routingKey string
	data       []byte
}

type fakeBus struct {
	mu         sync.Mutex
	published  []publishRecord
	publishErr error
}

func (f *fakeBus) Publish(ctx context.Context, routingKey string, data []byte, opts ...bus.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishRecord{routingKey: routingKey, data: data})
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, routingKey, queue string, cb bus.MessageCallback) (bus.Subscriber, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeBus) records() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRecord, len(f.published))
	copy(out, f.published)
	return out
}

type chanSub struct {
	parent *fakeBroadcaster
	ch     chan []byte
	closed bool
}

func (s *chanSub) C() <-chan []byte { return s.ch }

func (s *chanSub) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.closed = true
	return nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	subs map[string][]*chanSub
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{subs: make(map[string][]*chanSub)}
}

func (f *fakeBroadcaster) Publish(ctx context.Context, sessionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[sessionID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (f *fakeBroadcaster) Subscribe(ctx context.Context, sessionID string) (fanout.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &chanSub{parent: f, ch: make(chan []byte, 16)}
	f.subs[sessionID] = append(f.subs[sessionID], s)
	return s, nil
}

func (f *fakeBroadcaster) subscription(sessionID string) *chanSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[sessionID]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (f *fakeBroadcaster) isClosed(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[sessionID]
	return len(subs) > 0 && subs[len(subs)-1].closed
}

type gatewayFixture struct {
	url         string
	store       store.Store
	registry    *registry.Registry
	bus         *fakeBus
	broadcaster *fakeBroadcaster
	identity    *fakeIdentity
	history     *history.Cache
}

func newFixture(t *testing.T) *gatewayFixture {
	return newFixtureWithLimiter(t, ratelimit.New(ratelimit.Config{MaxTokens: 100, RefillRate: 100}))
}

func newFixtureWithLimiter(t *testing.T, limiter *ratelimit.Limiter) *gatewayFixture {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewTestLogger()
	f := &gatewayFixture{
		store:       st,
		registry:    registry.New(log),
		bus:         &fakeBus{},
		broadcaster: newFakeBroadcaster(),
		identity:    &fakeIdentity{subjectID: "subject-1"},
		history:     history.New(log, rdb, st),
	}

	gw := New(log, st, f.registry, f.history, f.bus, f.broadcaster, f.identity, limiter)
	e := echo.New()
	gw.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func dial(t *testing.T, f *gatewayFixture, characterID, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+"/ws/"+characterID+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frames.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame frames.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(payload)))
}

func TestWSInvalidTokenClosesWith4001(t *testing.T) {
	f := newFixture(t)
	f.identity.err = errors.New("invalid token")

	conn := dial(t, f, "char-1", "bad-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseInvalidToken, websocket.CloseStatus(err))
	assert.Equal(t, 0, f.registry.Len())
}

func TestWSSessionFailureClosesWith4002(t *testing.T) {
	f := newFixture(t)
	// Make session creation fail by tearing down the store first.
	require.NoError(t, f.store.Close())

	conn := dial(t, f, "char-1", "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseSessionFailure, websocket.CloseStatus(err))
}

func TestWSConnectionFrame(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")

	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeConnection, frame.Type)
	assert.Equal(t, "subject-1", frame.SubjectID)
	assert.Equal(t, "char-1", frame.CharacterID)
	assert.NotEmpty(t, frame.SessionID)

	session, err := f.store.GetSession(context.Background(), frame.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, session.Status)
}

func TestWSMessageEchoedAndPublished(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)

	writeJSON(t, conn, `{"content":"hello there"}`)

	echoFrame := readFrame(t, conn)
	assert.Equal(t, frames.TypeEcho, echoFrame.Type)
	assert.Equal(t, store.RoleSubject, echoFrame.Role)
	assert.Equal(t, "hello there", echoFrame.Content)

	records := f.bus.records()
	require.Len(t, records, 1)
	assert.Equal(t, bus.RouteUserMessage, records[0].routingKey)

	var envelope bus.UserMessage
	require.NoError(t, json.Unmarshal(records[0].data, &envelope))
	require.NoError(t, envelope.Validate())
	assert.Equal(t, connected.SessionID, envelope.SessionID)
	assert.Equal(t, "subject-1", envelope.SubjectID)
	assert.Equal(t, "hello there", envelope.Content)

	msgs, err := f.store.ListSessionMessages(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.MessageID, msgs[0].ID)
	assert.Equal(t, store.RoleSubject, msgs[0].Role)

	entries, err := f.history.Read(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello there", entries[0].Content)
}

func TestWSEmptyMessageRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)

	writeJSON(t, conn, `{"content":""}`)

	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeError, frame.Type)

	assert.Empty(t, f.bus.records())
	msgs, err := f.store.ListSessionMessages(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWSMalformedJSONKeepsConnectionUsable(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	readFrame(t, conn)

	writeJSON(t, conn, `not json at all`)
	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeError, frame.Type)

	writeJSON(t, conn, `{"content":"still alive"}`)
	echoFrame := readFrame(t, conn)
	assert.Equal(t, frames.TypeEcho, echoFrame.Type)
	assert.Equal(t, "still alive", echoFrame.Content)
}

func TestWSPublishFailureKeepsConnection(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)

	f.bus.setPublishErr(errors.New("broker down"))
	writeJSON(t, conn, `{"content":"doomed"}`)

	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeError, frame.Type)

	// The durable write happens before the publish attempt.
	msgs, err := f.store.ListSessionMessages(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	f.bus.setPublishErr(nil)
	writeJSON(t, conn, `{"content":"recovered"}`)
	echoFrame := readFrame(t, conn)
	assert.Equal(t, frames.TypeEcho, echoFrame.Type)
}

func TestWSRateLimitRejectsWithoutSideEffects(t *testing.T) {
	f := newFixtureWithLimiter(t, ratelimit.New(ratelimit.Config{MaxTokens: 1, RefillRate: 0.001}))
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)

	writeJSON(t, conn, `{"content":"first"}`)
	echoFrame := readFrame(t, conn)
	assert.Equal(t, frames.TypeEcho, echoFrame.Type)

	writeJSON(t, conn, `{"content":"second"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeError, frame.Type)

	// The rejected message left no trace anywhere.
	assert.Len(t, f.bus.records(), 1)
	msgs, err := f.store.ListSessionMessages(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	entries, err := f.history.Read(context.Background(), connected.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWSFanoutDelivered(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)

	payload := frames.AIResponse(store.RoleGenerated, "generated reply", connected.SessionID, "subject-1", "char-1").Encode()
	require.NoError(t, f.broadcaster.Publish(context.Background(), connected.SessionID, payload))

	frame := readFrame(t, conn)
	assert.Equal(t, frames.TypeAIResponse, frame.Type)
	assert.Equal(t, "generated reply", frame.Content)
	assert.Equal(t, store.RoleGenerated, frame.Role)
}

func TestWSDisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "char-1", "tok")
	connected := readFrame(t, conn)
	require.NotNil(t, f.broadcaster.subscription(connected.SessionID))
	assert.Equal(t, 1, f.registry.Len())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		session, err := f.store.GetSession(context.Background(), connected.SessionID)
		return err == nil && session.Status == store.StatusClosed
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, f.broadcaster.isClosed(connected.SessionID))
}
