package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/validate", r.URL.Path)
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"subject_id":"u1","valid":true}`))
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL, time.Second)
	subjectID, err := c.Validate(context.Background(), "tok123")
	require.NoError(t, err)
	assert.Equal(t, "u1", subjectID)
}

func TestValidateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"subject_id":"","valid":false}`))
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestSystemPromptSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/characters/id/c1", r.URL.Path)
		w.Write([]byte(`{"system_prompt":"You are a helpful companion."}`))
	}))
	defer srv.Close()

	c := NewCharacterClient(srv.URL, time.Second)
	prompt, err := c.SystemPrompt(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "You are a helpful companion.", prompt)
}

func TestSystemPromptNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCharacterClient(srv.URL, time.Second)
	_, err := c.SystemPrompt(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCharacterNotFound)
}
