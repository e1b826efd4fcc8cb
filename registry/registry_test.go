package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionchat/relay/logger"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, payload)
	return nil
}

func TestRegisterLookup(t *testing.T) {
	r := New(logger.NewTestLogger())
	conn := &fakeConn{}
	r.Register("s1", "u1", "c1", conn)

	h, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", h.SubjectID)
	assert.Equal(t, "c1", h.CharacterID)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterOverwrites(t *testing.T) {
	r := New(logger.NewTestLogger())
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register("s1", "u1", "c1", first)
	r.Register("s1", "u1", "c1", second)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Send(context.Background(), "s1", []byte("hi")))
	assert.Empty(t, first.written)
	assert.Len(t, second.written, 1)
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	r := New(logger.NewTestLogger())
	r.Register("s1", "u1", "c1", &fakeConn{})
	r.Unregister("s1")
	r.Unregister("s1")
	assert.Equal(t, 0, r.Len())
}

func TestFindBySubjectAndCharacter(t *testing.T) {
	r := New(logger.NewTestLogger())
	r.Register("s1", "u1", "c1", &fakeConn{})
	r.Register("s2", "u2", "c1", &fakeConn{})

	h, ok := r.FindBySubjectAndCharacter("u1", "c1")
	require.True(t, ok)
	assert.Equal(t, "s1", h.SessionID)

	_, ok = r.FindBySubjectAndCharacter("u1", "c2")
	assert.False(t, ok)

	r.Unregister("s1")
	_, ok = r.FindBySubjectAndCharacter("u1", "c1")
	assert.False(t, ok)
}

func TestSendToAbsentSession(t *testing.T) {
	r := New(logger.NewTestLogger())
	err := r.Send(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendFailureUnregisters(t *testing.T) {
	r := New(logger.NewTestLogger())
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	r.Register("s1", "u1", "c1", conn)

	err := r.Send(context.Background(), "s1", []byte("x"))
	require.Error(t, err)
	_, ok := r.Lookup("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentMutation(t *testing.T) {
	r := New(logger.NewTestLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Register(id, "u", "c", &fakeConn{})
			_, _ = r.Lookup(id)
			_ = r.Send(context.Background(), id, []byte("x"))
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
