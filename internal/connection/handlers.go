package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vocalis/voicecore/internal/voice"
)

// Assistant is the voice pipeline surface the built-in handlers need.
type Assistant interface {
	ProcessVoice(ctx context.Context, audio []byte, language, sessionID, userID string) (*voice.VoiceResult, error)
	Respond(ctx context.Context, text, sessionID, userID string) (string, error)
}

func (m *Manager) handlePing(ctx context.Context, connID string, msg Message) error {
	m.Send(connID, Message{
		Type: "pong",
		Data: map[string]any{
			"original_timestamp": msg.Timestamp,
		},
	})
	return nil
}

func (m *Manager) handleVoiceInput(ctx context.Context, connID string, msg Message) error {
	encoded, _ := msg.Data["audio"].(string)
	if encoded == "" {
		m.SendError(connID, "audio content is required")
		return nil
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		m.SendError(connID, "invalid audio encoding")
		return nil
	}
	if m.assistant == nil {
		m.SendError(connID, "voice processing unavailable")
		return nil
	}
	language, _ := msg.Data["language"].(string)

	m.Send(connID, Message{
		Type: "voice_processing",
		Data: map[string]any{"status": "processing"},
	})

	userID, sessionID := m.identity(connID)
	result, err := m.assistant.ProcessVoice(ctx, audio, language, sessionID, userID)
	if err != nil {
		return fmt.Errorf("voice processing: %w", err)
	}

	m.Send(connID, Message{
		Type: "ai_response",
		Data: map[string]any{
			"transcript": result.Transcript,
			"confidence": result.Confidence,
			"language":   result.Language,
			"text":       result.Response,
		},
	})
	return nil
}

func (m *Manager) handleTextInput(ctx context.Context, connID string, msg Message) error {
	text, _ := msg.Data["text"].(string)
	if strings.TrimSpace(text) == "" {
		m.SendError(connID, "text input is required")
		return nil
	}
	if m.assistant == nil {
		m.SendError(connID, "text processing unavailable")
		return nil
	}

	m.Send(connID, Message{
		Type: "text_processing",
		Data: map[string]any{"status": "processing"},
	})

	userID, sessionID := m.identity(connID)
	response, err := m.assistant.Respond(ctx, text, sessionID, userID)
	if err != nil {
		return fmt.Errorf("text processing: %w", err)
	}

	m.Send(connID, Message{
		Type: "ai_response",
		Data: map[string]any{"text": response},
	})
	return nil
}

func (m *Manager) identity(connID string) (userID, sessionID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[connID]; ok {
		return c.userID, c.sessionID
	}
	return "", ""
}
