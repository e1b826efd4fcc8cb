package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, StatusActive, session.Status)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.SubjectID)
	assert.Equal(t, "c1", got.CharacterID)
	assert.Nil(t, got.EndedAt)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "c1")
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(ctx, session.ID))
	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.EndedAt)
	first := *got.EndedAt

	// Second close is a no-op and does not move the end timestamp.
	require.NoError(t, s.CloseSession(ctx, session.ID))
	got, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.EndedAt)

	// Closing an absent session is also a no-op.
	assert.NoError(t, s.CloseSession(ctx, "missing"))
}

func TestInsertMessageAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "c1")
	require.NoError(t, err)

	msg := &Message{
		ID:          "m1",
		SubjectID:   "u1",
		CharacterID: "c1",
		SessionID:   session.ID,
		Role:        RoleSubject,
		Content:     "hi",
	}
	require.NoError(t, s.InsertMessage(ctx, msg))

	exists, err := s.MessageExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.MessageExists(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListSessionMessagesReturnsRecentChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "c1")
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.InsertMessage(ctx, &Message{
			ID:          fmt.Sprintf("m%d", i),
			SubjectID:   "u1",
			CharacterID: "c1",
			SessionID:   session.ID,
			Role:        RoleSubject,
			Content:     fmt.Sprintf("msg-%d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	messages, err := s.ListSessionMessages(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "msg-4", messages[0].Content)
	assert.Equal(t, "msg-5", messages[1].Content)
	assert.Equal(t, "msg-6", messages[2].Content)
}

func TestListSessionMessagesEmpty(t *testing.T) {
	s := newTestStore(t)
	messages, err := s.ListSessionMessages(context.Background(), "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestListSubjectSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "u1", "c1")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "u2", "c1")
	require.NoError(t, err)

	sessions, err := s.ListSubjectSessions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)
}
