package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/registry"
)

func registerServer(t *testing.T, reg *registry.Registry, name string, ts *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	id, err := reg.Register(registry.Descriptor{
		Name:    name,
		Version: "1.0.0",
		Host:    u.Hostname(),
		Port:    port,
	})
	require.NoError(t, err)
	return id
}

func TestHTTPProvidersTranscribe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transcribe", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["audio"])
		_ = json.NewEncoder(w).Encode(Transcription{Text: "hi", Confidence: 0.8, Language: "en"})
	}))
	defer ts.Close()

	reg := registry.New(registry.Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second}, observability.NopLogger())
	registerServer(t, reg, ServiceTranscription, ts)

	providers := NewHTTPProviders(reg, time.Second)
	tr, err := providers.Transcribe(context.Background(), []byte("pcm"), "en")
	require.NoError(t, err)
	assert.Equal(t, "hi", tr.Text)
}

func TestHTTPProvidersRespond(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/respond", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello back"})
	}))
	defer ts.Close()

	reg := registry.New(registry.Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second}, observability.NopLogger())
	registerServer(t, reg, ServiceResponse, ts)

	providers := NewHTTPProviders(reg, time.Second)
	reply, err := providers.Respond(context.Background(), "hello", "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)
}

func TestHTTPProvidersSynthesize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/synthesize", r.URL.Path)
		_, _ = w.Write([]byte("wav-bytes"))
	}))
	defer ts.Close()

	reg := registry.New(registry.Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second}, observability.NopLogger())
	registerServer(t, reg, ServiceSynthesis, ts)

	providers := NewHTTPProviders(reg, time.Second)
	audio, err := providers.Synthesize(context.Background(), SynthesisRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte("wav-bytes"), audio)
}

func TestHTTPProvidersNoInstance(t *testing.T) {
	reg := registry.New(registry.Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second}, observability.NopLogger())
	providers := NewHTTPProviders(reg, time.Second)

	_, err := providers.Respond(context.Background(), "hello", "", "")
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestHTTPProvidersUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	reg := registry.New(registry.Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second}, observability.NopLogger())
	registerServer(t, reg, ServiceResponse, ts)

	providers := NewHTTPProviders(reg, time.Second)
	_, err := providers.Respond(context.Background(), "hello", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
