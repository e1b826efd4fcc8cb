// Package frames defines the outbound frame protocol written to live
// connections.
package frames

import (
	"encoding/json"
	"time"
)

const (
	TypeError      = "error"
	TypeConnection = "connection"
	TypeEcho       = "echo"
	TypeAIResponse = "ai_response"
)

// Frame is one outbound message to a connection. Fields are omitted when
// empty so each frame type only carries what it needs.
type Frame struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Encode renders the frame as JSON. Frames are plain data; encoding
// cannot fail.
func (f Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// Error returns an inline error frame.
func Error(message string) Frame {
	return Frame{Type: TypeError, Message: message}
}

// Connection returns the frame sent once a connection is established.
func Connection(sessionID, subjectID, characterID string) Frame {
	return Frame{
		Type:        TypeConnection,
		Message:     "Connected to chat",
		SessionID:   sessionID,
		SubjectID:   subjectID,
		CharacterID: characterID,
	}
}

// Echo returns the frame echoing an accepted subject message.
func Echo(role, content string) Frame {
	return Frame{
		Type:      TypeEcho,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// AIResponse returns the frame carrying a generated reply.
func AIResponse(role, content, sessionID, subjectID, characterID string) Frame {
	return Frame{
		Type:        TypeAIResponse,
		Role:        role,
		Content:     content,
		SessionID:   sessionID,
		SubjectID:   subjectID,
		CharacterID: characterID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}
