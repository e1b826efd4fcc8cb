// Package registry is the in-memory directory of live connections,
// addressed by session id. Exactly one instance exists per gateway
// process and it is mutated concurrently by every connection handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/companionchat/relay/logger"
)

var ErrNotConnected = errors.New("no live connection for session")

// Conn is the write side of a live transport. Implementations must be
// safe for concurrent writes.
type Conn interface {
	Write(ctx context.Context, payload []byte) error
}

// Handle describes one registered connection. The transport reference is
// owned by the registry entry and never leaves the package.
type Handle struct {
	SessionID   string
	SubjectID   string
	CharacterID string
	ConnectedAt time.Time
	conn        Conn
}

// Registry maps session ids to live connection handles.
type Registry struct {
	logger logger.Logger

	mu      sync.RWMutex
	entries map[string]*Handle
}

// New returns an empty Registry.
func New(log logger.Logger) *Registry {
	return &Registry{
		logger:  log.With(map[string]interface{}{"component": "registry"}),
		entries: make(map[string]*Handle),
	}
}

// Register adds an entry for the session, overwriting any prior entry for
// the same session id.
func (r *Registry) Register(sessionID, subjectID, characterID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = &Handle{
		SessionID:   sessionID,
		SubjectID:   subjectID,
		CharacterID: characterID,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
}

// Unregister removes the session's entry if present. Removing an absent
// session id is a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Lookup returns the handle for a session id.
func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[sessionID]
	return h, ok
}

// FindBySubjectAndCharacter returns the handle of a live conversation
// between a subject and a character. This is a linear scan over live
// entries, acceptable at expected connection counts.
func (r *Registry) FindBySubjectAndCharacter(subjectID, characterID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.entries {
		if h.SubjectID == subjectID && h.CharacterID == characterID {
			return h, true
		}
	}
	return nil, false
}

// Send writes payload to the session's transport. A failed write
// unregisters the entry before reporting the error, so a dead connection
// cannot linger in the registry.
func (r *Registry) Send(ctx context.Context, sessionID string, payload []byte) error {
	r.mu.RLock()
	h, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if err := h.conn.Write(ctx, payload); err != nil {
		r.mu.Lock()
		// Only drop the entry if it is still the one that failed; a
		// reconnect may have replaced it concurrently.
		if current, ok := r.entries[sessionID]; ok && current == h {
			delete(r.entries, sessionID)
		}
		r.mu.Unlock()
		r.logger.Warn("dropped dead connection for session %s: %s", sessionID, err)
		return fmt.Errorf("failed to write to session %s: %w", sessionID, err)
	}
	return nil
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
