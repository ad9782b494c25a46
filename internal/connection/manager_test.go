package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/voice"
)

type fakeSession struct {
	in  chan string
	out chan Message

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	sendErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		in:     make(chan string, 16),
		out:    make(chan Message, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSession) ReceiveText() (string, error) {
	select {
	case text := <-f.in:
		return text, nil
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	var msg Message
	if jsonErr := json.Unmarshal([]byte(text), &msg); jsonErr != nil {
		return jsonErr
	}
	f.out <- msg
	return nil
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSession) RemoteAddr() string     { return "192.0.2.1:4242" }
func (f *fakeSession) Header(_ string) string { return "test-agent" }

func (f *fakeSession) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeSession) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-f.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return Message{}
	}
}

func (f *fakeSession) send(t *testing.T, msg Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- string(payload)
}

type stubAssistant struct {
	respondErr error
}

func (s *stubAssistant) ProcessVoice(ctx context.Context, audio []byte, language, sessionID, userID string) (*voice.VoiceResult, error) {
	return &voice.VoiceResult{
		Transcript: "transcribed " + string(audio),
		Confidence: 0.9,
		Language:   language,
		Response:   "voice reply",
	}, nil
}

func (s *stubAssistant) Respond(ctx context.Context, text, sessionID, userID string) (string, error) {
	if s.respondErr != nil {
		return "", s.respondErr
	}
	return "reply to: " + text, nil
}

func newTestManager(assistant Assistant) *Manager {
	return NewManager(Config{
		HeartbeatInterval: time.Hour,
		SweepInterval:     time.Hour,
		IdleTimeout:       5 * time.Minute,
	}, assistant, observability.NopLogger())
}

// accept runs the session under the manager and returns the assigned
// connection id once the welcome message arrives.
func accept(t *testing.T, m *Manager, sess *fakeSession) string {
	t.Helper()
	go m.Accept(context.Background(), sess)

	welcome := sess.next(t)
	require.Equal(t, "connection_established", welcome.Type)
	connID, _ := welcome.Data["connection_id"].(string)
	require.NotEmpty(t, connID)
	return connID
}

func TestAcceptEstablishesConnection(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	connID := accept(t, m, sess)

	stats := m.Stats()
	assert.Equal(t, 1, stats.CurrentConnections)
	assert.Equal(t, int64(1), stats.TotalConnections)
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, connID, stats.Connections[0].ID)
	assert.Equal(t, "192.0.2.1:4242", stats.Connections[0].RemoteAddr)
	assert.Equal(t, "test-agent", stats.Connections[0].UserAgent)
}

func TestSendToUnknownConnection(t *testing.T) {
	m := newTestManager(nil)
	assert.False(t, m.Send("missing", Message{Type: "test"}))
}

func TestSendFillsDefaults(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	connID := accept(t, m, sess)

	require.True(t, m.Send(connID, Message{Type: "notice"}))
	msg := sess.next(t)
	assert.Equal(t, "notice", msg.Type)
	assert.NotZero(t, msg.Timestamp)
	assert.NotEmpty(t, msg.MessageID)
}

func TestPingPong(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)

	sess.send(t, Message{Type: "ping", Timestamp: 12345})

	pong := sess.next(t)
	assert.Equal(t, "pong", pong.Type)
	assert.EqualValues(t, 12345, pong.Data["original_timestamp"])
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)

	sess.in <- "{not json"

	reply := sess.next(t)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "invalid message format", reply.Data["error"])
	assert.Equal(t, 1, m.Stats().CurrentConnections)
}

func TestUnknownMessageType(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "mystery"})

	reply := sess.next(t)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "unknown message type: mystery", reply.Data["error"])
}

func TestHandlerErrorYieldsReply(t *testing.T) {
	m := newTestManager(nil)
	m.RegisterHandler("explode", func(ctx context.Context, connID string, msg Message) error {
		return errors.New("boom")
	})

	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "explode"})

	reply := sess.next(t)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "error processing explode message", reply.Data["error"])
	assert.Equal(t, 1, m.Stats().CurrentConnections)
	assert.Equal(t, int64(1), m.Stats().Errors)
}

func TestRegisterHandlerLastWins(t *testing.T) {
	m := newTestManager(nil)
	m.RegisterHandler("greet", func(ctx context.Context, connID string, msg Message) error {
		m.Send(connID, Message{Type: "old"})
		return nil
	})
	m.RegisterHandler("greet", func(ctx context.Context, connID string, msg Message) error {
		m.Send(connID, Message{Type: "new"})
		return nil
	})

	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "greet"})

	assert.Equal(t, "new", sess.next(t).Type)
}

func TestTextInputFlow(t *testing.T) {
	m := newTestManager(&stubAssistant{})
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "text_input", Data: map[string]any{"text": "hello"}})

	processing := sess.next(t)
	assert.Equal(t, "text_processing", processing.Type)

	response := sess.next(t)
	assert.Equal(t, "ai_response", response.Type)
	assert.Equal(t, "reply to: hello", response.Data["text"])
}

func TestTextInputEmptyIsRejectedWithoutPipeline(t *testing.T) {
	m := newTestManager(&stubAssistant{respondErr: errors.New("should not be called")})
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "text_input", Data: map[string]any{"text": "  "}})

	reply := sess.next(t)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "text input is required", reply.Data["error"])
}

func TestVoiceInputFlow(t *testing.T) {
	m := newTestManager(&stubAssistant{})
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)

	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))
	sess.send(t, Message{Type: "voice_input", Data: map[string]any{"audio": audio, "language": "en"}})

	processing := sess.next(t)
	assert.Equal(t, "voice_processing", processing.Type)

	response := sess.next(t)
	assert.Equal(t, "ai_response", response.Type)
	assert.Equal(t, "transcribed pcm", response.Data["transcript"])
	assert.Equal(t, "voice reply", response.Data["text"])
}

func TestVoiceInputMissingAudio(t *testing.T) {
	m := newTestManager(&stubAssistant{})
	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	sess.send(t, Message{Type: "voice_input", Data: map[string]any{}})

	reply := sess.next(t)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "audio content is required", reply.Data["error"])
}

func TestBroadcastWithExclusion(t *testing.T) {
	m := newTestManager(nil)
	sessA := newFakeSession()
	sessB := newFakeSession()
	defer sessA.Close()
	defer sessB.Close()

	idA := accept(t, m, sessA)
	_ = accept(t, m, sessB)

	sent := m.Broadcast(Message{Type: "announce"}, map[string]struct{}{idA: {}})
	assert.Equal(t, 1, sent)

	msg := sessB.next(t)
	assert.Equal(t, "announce", msg.Type)

	select {
	case msg := <-sessA.out:
		t.Fatalf("excluded connection received %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssociateAndIndexes(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()
	defer sess.Close()

	connID := accept(t, m, sess)

	assert.False(t, m.Associate("missing", "u1", "s1"))
	require.True(t, m.Associate(connID, "u1", "s1"))
	assert.Equal(t, []string{connID}, m.UserConnections("u1"))
	assert.Equal(t, []string{connID}, m.SessionConnections("s1"))

	// Rebinding moves the connection between index entries.
	require.True(t, m.Associate(connID, "u2", "s2"))
	assert.Empty(t, m.UserConnections("u1"))
	assert.Equal(t, []string{connID}, m.UserConnections("u2"))

	m.Disconnect(connID)
	assert.Empty(t, m.UserConnections("u2"))
	assert.Empty(t, m.SessionConnections("s2"))
	assert.Zero(t, m.Stats().CurrentConnections)
}

func TestSendFailureDisconnects(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()

	connID := accept(t, m, sess)
	sess.failSends(errors.New("broken pipe"))

	assert.False(t, m.Send(connID, Message{Type: "notice"}))

	require.Eventually(t, func() bool {
		return m.Stats().CurrentConnections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIdleSweep(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()

	connID := accept(t, m, sess)

	m.mu.Lock()
	m.conns[connID].lastActivity = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	m.sweepIdle()

	stats := m.Stats()
	assert.Zero(t, stats.CurrentConnections)
	for _, info := range stats.Connections {
		assert.NotEqual(t, connID, info.ID)
	}
}

func TestHeartbeatBroadcast(t *testing.T) {
	m := NewManager(Config{
		HeartbeatInterval: 20 * time.Millisecond,
		SweepInterval:     time.Hour,
		IdleTimeout:       time.Hour,
	}, nil, observability.NopLogger())

	sess := newFakeSession()
	defer sess.Close()

	accept(t, m, sess)
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sess.out:
			if msg.Type == "heartbeat" {
				assert.Equal(t, "healthy", msg.Data["server_status"])
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestStopClosesConnections(t *testing.T) {
	m := newTestManager(nil)
	sess := newFakeSession()

	accept(t, m, sess)

	m.Start()
	m.Stop()

	require.Eventually(t, func() bool {
		return m.Stats().CurrentConnections == 0
	}, time.Second, 10*time.Millisecond)

	select {
	case <-sess.closed:
	default:
		t.Fatal("session was not closed on shutdown")
	}
}

func TestStopWithoutStart(t *testing.T) {
	m := newTestManager(nil)
	m.Stop()
}
