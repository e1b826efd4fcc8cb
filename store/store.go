// Package store is the durable system of record for sessions and messages.
package store

import (
	"context"
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusClosed   SessionStatus = "closed"
	StatusArchived SessionStatus = "archived"
)

// Message roles. Insertion order within a session is the conversational
// order and must be preserved.
const (
	RoleSubject   = "subject"
	RoleGenerated = "generated"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// Session is one live conversation instance between a subject and a
// character.
type Session struct {
	ID          string
	SubjectID   string
	CharacterID string
	Status      SessionStatus
	CreatedAt   time.Time
	EndedAt     *time.Time
}

// Message is one turn in a conversation. Immutable once created.
type Message struct {
	ID          string
	SubjectID   string
	CharacterID string
	SessionID   string
	Role        string
	Content     string
	CreatedAt   time.Time
}

// Store defines the durable record operations the relay needs.
type Store interface {
	// CreateSession inserts a new active session with a generated id.
	CreateSession(ctx context.Context, subjectID, characterID string) (*Session, error)
	// CloseSession marks a session closed and stamps its end time.
	// Closing an already closed or absent session is a no-op.
	CloseSession(ctx context.Context, sessionID string) error
	// GetSession returns a session by id or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// InsertMessage persists a message. The caller supplies the id so the
	// same id can travel through the pipeline for deduplication.
	InsertMessage(ctx context.Context, msg *Message) error
	// MessageExists reports whether a message id is already persisted.
	MessageExists(ctx context.Context, messageID string) (bool, error)
	// ListSessionMessages returns the most recent limit messages of a
	// session in chronological order.
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// ListSubjectSessions returns a subject's sessions, newest first.
	ListSubjectSessions(ctx context.Context, subjectID string, limit int) ([]Session, error)
	// Close releases the underlying database handle.
	Close() error
}
