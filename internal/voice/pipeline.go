package voice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vocalis/voicecore/internal/circuitbreaker"
	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/store"
)

// Cache TTLs per result kind.
const (
	transcriptionTTL = time.Hour
	synthesisTTL     = 24 * time.Hour
	responseTTL      = 30 * time.Minute
)

// Pipeline coordinates the external providers. Every provider call goes
// through the circuit breaker manager; results are cached by content hash
// so repeated inputs skip the provider entirely.
type Pipeline struct {
	transcriber Transcriber
	synthesizer Synthesizer
	responder   Responder

	breakers *circuitbreaker.Manager
	cache    store.Store
	logger   observability.Logger
}

// NewPipeline creates a voice pipeline.
func NewPipeline(
	transcriber Transcriber,
	synthesizer Synthesizer,
	responder Responder,
	breakers *circuitbreaker.Manager,
	cache store.Store,
	logger observability.Logger,
) *Pipeline {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Pipeline{
		transcriber: transcriber,
		synthesizer: synthesizer,
		responder:   responder,
		breakers:    breakers,
		cache:       cache,
		logger:      logger.With(observability.String("component", "voice")),
	}
}

// Transcribe converts audio to text, serving repeated audio content from
// the cache.
func (p *Pipeline) Transcribe(ctx context.Context, audio []byte, language string) (*Transcription, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	if language == "" {
		language = "en"
	}

	key := fmt.Sprintf("stt:%s:%s", contentHash(audio), language)
	if cached, err := p.cache.Get(ctx, key); err == nil {
		var tr Transcription
		if err := json.Unmarshal(cached, &tr); err == nil {
			p.logger.Debug("transcription cache hit", observability.String("key", key))
			return &tr, nil
		}
	}

	result, err := p.breakers.Call(ctx, BreakerTranscription, func(ctx context.Context) (any, error) {
		return p.transcriber.Transcribe(ctx, audio, language)
	})
	if err != nil {
		return nil, err
	}
	tr := result.(*Transcription)

	if encoded, err := json.Marshal(tr); err == nil {
		if err := p.cache.Set(ctx, key, encoded, transcriptionTTL); err != nil {
			p.logger.Warn("failed to cache transcription", observability.Error(err))
		}
	}
	return tr, nil
}

// Synthesize converts text to audio, serving repeated requests from the
// cache.
func (p *Pipeline) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	key := fmt.Sprintf("tts:%s:%s:%s:%.2f",
		contentHash([]byte(req.Text)), req.Voice, req.Model, req.Speed)
	if cached, err := p.cache.Get(ctx, key); err == nil {
		p.logger.Debug("synthesis cache hit", observability.String("key", key))
		return cached, nil
	}

	result, err := p.breakers.Call(ctx, BreakerSynthesis, func(ctx context.Context) (any, error) {
		return p.synthesizer.Synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	audio := result.([]byte)

	if err := p.cache.Set(ctx, key, audio, synthesisTTL); err != nil {
		p.logger.Warn("failed to cache synthesized audio", observability.Error(err))
	}
	return audio, nil
}

// Respond generates a reply to text input. Responses are cached on the
// normalized input text.
func (p *Pipeline) Respond(ctx context.Context, text, sessionID, userID string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return "", ErrEmptyText
	}

	key := "ai_response:" + contentHash([]byte(normalized))
	if cached, err := p.cache.Get(ctx, key); err == nil {
		p.logger.Debug("response cache hit", observability.String("key", key))
		return string(cached), nil
	}

	result, err := p.breakers.Call(ctx, BreakerResponse, func(ctx context.Context) (any, error) {
		return p.responder.Respond(ctx, text, sessionID, userID)
	})
	if err != nil {
		return "", err
	}
	response := result.(string)

	if err := p.cache.Set(ctx, key, []byte(response), responseTTL); err != nil {
		p.logger.Warn("failed to cache response", observability.Error(err))
	}
	return response, nil
}

// VoiceResult is the combined outcome of processing one voice input.
type VoiceResult struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Response   string  `json:"response"`
}

// ProcessVoice transcribes audio and generates a reply to the transcript.
func (p *Pipeline) ProcessVoice(ctx context.Context, audio []byte, language, sessionID, userID string) (*VoiceResult, error) {
	tr, err := p.Transcribe(ctx, audio, language)
	if err != nil {
		return nil, err
	}

	response, err := p.Respond(ctx, tr.Text, sessionID, userID)
	if err != nil {
		return nil, err
	}

	return &VoiceResult{
		Transcript: tr.Text,
		Confidence: tr.Confidence,
		Language:   tr.Language,
		Response:   response,
	}, nil
}

// InvalidateCache removes all cached pipeline results and returns how many
// entries were dropped.
func (p *Pipeline) InvalidateCache(ctx context.Context) (int, error) {
	total := 0
	for _, pattern := range []string{"stt:*", "tts:*", "ai_response:*"} {
		n, err := p.cache.InvalidatePattern(ctx, pattern)
		if err != nil {
			return total, fmt.Errorf("invalidate %s: %w", pattern, err)
		}
		total += n
	}
	return total, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
