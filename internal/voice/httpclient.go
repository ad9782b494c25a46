package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vocalis/voicecore/internal/registry"
)

// Logical service names the providers resolve through the registry.
const (
	ServiceTranscription = "stt"
	ServiceSynthesis     = "tts"
	ServiceResponse      = "ai"
)

// HTTPProviders implements Transcriber, Synthesizer and Responder against
// provider services resolved through the registry per call, so traffic
// follows health and latency.
type HTTPProviders struct {
	registry *registry.Registry
	client   *http.Client
}

// NewHTTPProviders creates registry-backed providers.
func NewHTTPProviders(reg *registry.Registry, timeout time.Duration) *HTTPProviders {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProviders{
		registry: reg,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProviders) Transcribe(ctx context.Context, audio []byte, language string) (*Transcription, error) {
	payload := map[string]any{
		"audio":    base64.StdEncoding.EncodeToString(audio),
		"language": language,
	}
	var tr Transcription
	if err := p.postJSON(ctx, ServiceTranscription, "/v1/transcribe", payload, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (p *HTTPProviders) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	body, err := p.post(ctx, ServiceSynthesis, "/v1/synthesize", req)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (p *HTTPProviders) Respond(ctx context.Context, text, sessionID, userID string) (string, error) {
	payload := map[string]any{
		"text":       text,
		"session_id": sessionID,
		"user_id":    userID,
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := p.postJSON(ctx, ServiceResponse, "/v1/respond", payload, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (p *HTTPProviders) postJSON(ctx context.Context, service, path string, payload, out any) error {
	body, err := p.post(ctx, service, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}

func (p *HTTPProviders) post(ctx context.Context, service, path string, payload any) ([]byte, error) {
	inst, err := p.registry.Discover(service)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}

	url := fmt.Sprintf("%s://%s:%d%s", inst.Protocol, inst.Host, inst.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", service, resp.StatusCode)
	}
	return body, nil
}
