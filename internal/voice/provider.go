// Package voice runs the transcription, synthesis and response providers
// behind the circuit breaker manager and caches their results in the
// key-value store by content hash.
package voice

import (
	"context"
	"errors"
)

// Breaker names, one per external provider.
const (
	BreakerTranscription = "openai_whisper"
	BreakerSynthesis     = "openai_tts"
	BreakerResponse      = "ai_service"
)

var (
	// ErrEmptyAudio is returned when audio input is missing.
	ErrEmptyAudio = errors.New("audio content is required")

	// ErrEmptyText is returned when text input is missing.
	ErrEmptyText = errors.New("text is required")
)

// Transcription is the result of a speech-to-text call.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// SynthesisRequest describes a text-to-speech call.
type SynthesisRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Model string  `json:"model"`
	Speed float64 `json:"speed"`
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (*Transcription, error)
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// Responder generates a reply to user input.
type Responder interface {
	Respond(ctx context.Context, text, sessionID, userID string) (string, error)
}
