package turn

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/talkbox/internal/app/capture"
	"github.com/osa030/talkbox/internal/app/vad"
	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/domain/audio/audiotest"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/clock"
	"github.com/osa030/talkbox/internal/infra/transport"
)

const frame = 16 * time.Millisecond

var (
	loud   = audiotest.Tone(256, 8192)
	silent = audiotest.Silence(256)
)

type fakeTransport struct {
	mu        sync.Mutex
	handler   transport.Handler
	opens     int
	sent      []transport.Outbound
	closes    []time.Duration
	connected bool
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Open(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.connected = true
}

func (f *fakeTransport) SendStart(message string) error {
	return f.send(transport.Outbound{Type: transport.TypeStart, Message: message})
}

func (f *fakeTransport) SendCleanup() error {
	return f.send(transport.Outbound{Type: transport.TypeCleanup})
}

func (f *fakeTransport) send(m transport.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Close(grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, grace)
	f.connected = false
}

func (f *fakeTransport) types() []transport.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.MessageType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakePlayback struct {
	mu      sync.Mutex
	frames  int
	flushes int
}

func (p *fakePlayback) Push([]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++
	return true
}

func (p *fakePlayback) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
}

func (p *fakePlayback) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

type fakeSender struct {
	mu     sync.Mutex
	chunks int
	dones  int
	order  []string
}

func (s *fakeSender) SendAudio([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.order = append(s.order, "chunk")
	return nil
}

func (s *fakeSender) SendDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones++
	s.order = append(s.order, "done")
	return nil
}

func (s *fakeSender) doneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dones
}

type recordingObserver struct {
	mu      sync.Mutex
	phases  []Phase
	ended   []*conversation.Summary
	errors  []string
	flags   []bool
	links   []transport.ConnectionState
	appends int
}

func (o *recordingObserver) PhaseChanged(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) MessageAppended(conversation.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appends++
}

func (o *recordingObserver) InterruptionChanged(attempted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flags = append(o.flags, attempted)
}

func (o *recordingObserver) ConnectionChanged(s transport.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links = append(o.links, s)
}

func (o *recordingObserver) CallEnded(s *conversation.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, s)
}

func (o *recordingObserver) Error(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, msg)
}

type harness struct {
	c        *Coordinator
	clk      *clock.Fake
	mic      *audiotest.Source
	link     *fakeTransport
	playback *fakePlayback
	sender   *fakeSender
	detector *vad.Detector
	observer *recordingObserver
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	mic := audiotest.NewSource(audio.Format{SampleRate: 1000, Channels: 1})
	sender := &fakeSender{}

	vadConfig := vad.DefaultConfig()
	vadConfig.WindowSize = 256
	detector := vad.New(mic, clk, vadConfig)

	h := &harness{
		clk:      clk,
		mic:      mic,
		link:     &fakeTransport{},
		playback: &fakePlayback{},
		sender:   sender,
		detector: detector,
		observer: &recordingObserver{},
	}
	h.c = New(DefaultConfig(), Deps{
		Transport:  h.link,
		Playback:   h.playback,
		Recorder:   capture.NewPipeline(mic, sender, capture.Config{ChunkDuration: 200 * time.Millisecond}),
		Detector:   detector,
		Microphone: mic,
		Clock:      clk,
	})
	h.c.Subscribe(h.observer)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.c.done
	})
	return h
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.c.Sync(ctx))
}

func (h *harness) control(t *testing.T, typ transport.MessageType, text string) {
	t.Helper()
	h.c.OnControl(transport.Inbound{Type: typ, Text: text})
	h.sync(t)
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clk.Advance(d)
	h.sync(t)
}

func (h *harness) speak(t *testing.T) {
	t.Helper()
	h.mic.Feed(loud)
	h.advance(t, frame)
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	h.mic.Feed(silent)
	h.advance(t, frame)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.StartCall(context.Background()))
	h.c.OnOpen(false)
	h.sync(t)
}

// userTurn brings the call to the point where the agent has greeted and
// handed the floor to the user.
func (h *harness) userTurn(t *testing.T) {
	t.Helper()
	h.start(t)
	h.control(t, transport.TypeGreeting, "Hi, how can I help?")
	h.control(t, transport.TypeGreetingEnd, "")
	h.control(t, transport.TypeUserSpeaking, "")
}

func TestCoordinator_StartCall(t *testing.T) {
	h := newHarness(t)

	h.start(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.NotEmpty(t, snap.SessionID)
	assert.True(t, snap.UserTurnActive)
	assert.False(t, snap.VADEnabled)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, transport.StateConnecting, snap.Connection)
	assert.Equal(t, 1, h.link.opens)
	assert.Equal(t, 1, h.playback.flushCount())
	assert.Equal(t, []transport.MessageType{transport.TypeStart}, h.link.types())
	assert.Equal(t, DefaultGreeting, h.link.sent[0].Message)
	assert.Equal(t, 0, h.mic.Active(), "permission probe releases the microphone")

	err := h.c.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestCoordinator_GreetingFlow(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, transport.TypeGreeting, "Hi, how can I help?")
	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, conversation.RoleAgent, snap.Messages[0].Role)

	h.control(t, transport.TypeGreetingEnd, "")
	assert.Equal(t, PhaseAgentSpeaking, h.c.Phase())

	h.control(t, transport.TypeAgentIdle, "")
	snap = h.c.Snapshot()
	assert.True(t, snap.UserTurnActive)
	assert.True(t, snap.VADEnabled)
	assert.True(t, h.detector.Enabled())
	assert.Equal(t, PhaseAgentSpeaking, snap.Phase, "agent_idle leaves the phase alone")
}

func TestCoordinator_BargeInDuringAgentSpeech(t *testing.T) {
	h := newHarness(t)
	h.userTurn(t)
	require.Equal(t, PhaseAgentSpeaking, h.c.Phase())
	flushes := h.playback.flushCount()

	h.speak(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseUserSpeaking, snap.Phase)
	assert.Equal(t, flushes+1, h.playback.flushCount())
	assert.True(t, snap.InterruptionAttempted)
	assert.False(t, snap.VADEnabled)
	assert.False(t, h.detector.Enabled())
	assert.True(t, snap.Recording)
	assert.Equal(t, 1, snap.Stats.Interruptions)

	h.advance(t, 100*time.Millisecond)

	snap = h.c.Snapshot()
	assert.False(t, snap.InterruptionAttempted)
	assert.True(t, snap.VADEnabled)
	assert.True(t, h.detector.Enabled())

	// Speech continuing after the cooldown does not interrupt again.
	h.speak(t)
	assert.Equal(t, flushes+1, h.playback.flushCount())
	assert.Equal(t, PhaseUserSpeaking, h.c.Phase())

	h.observer.mu.Lock()
	assert.Equal(t, []bool{true, false}, h.observer.flags)
	h.observer.mu.Unlock()
}

func TestCoordinator_NoFlushWhenAgentNotSpeaking(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	require.Equal(t, PhaseGreeting, h.c.Phase())
	flushes := h.playback.flushCount()

	h.speak(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseUserSpeaking, snap.Phase)
	assert.Equal(t, flushes, h.playback.flushCount())
	assert.False(t, snap.InterruptionAttempted)
	assert.True(t, snap.VADEnabled)
	assert.True(t, snap.Recording)
}

func TestCoordinator_SilenceDebounceEndsTurn(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")

	h.speak(t)
	h.quiet(t)
	require.Equal(t, PhaseUserSpeaking, h.c.Phase())

	h.advance(t, 2000*time.Millisecond-time.Millisecond)
	assert.Equal(t, PhaseUserSpeaking, h.c.Phase())
	assert.Equal(t, 0, h.sender.doneCount())

	h.advance(t, time.Millisecond)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseAgentProcessing, snap.Phase)
	assert.False(t, snap.Recording)
	assert.False(t, snap.UserTurnActive)
	assert.False(t, snap.VADEnabled)
	assert.False(t, h.detector.Enabled())
	assert.Equal(t, 0, h.mic.Active())
	assert.Equal(t, 1, h.sender.doneCount())
	assert.Equal(t, 1, snap.Stats.UtterancesSent)

	h.sender.mu.Lock()
	assert.Equal(t, "done", h.sender.order[len(h.sender.order)-1])
	assert.Greater(t, h.sender.chunks, 0)
	h.sender.mu.Unlock()

	// Later timer activity never sends a second done.
	h.advance(t, 10*time.Second)
	assert.Equal(t, 1, h.sender.doneCount())
}

func TestCoordinator_SpeechResumesWithinDebounce(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")

	h.speak(t)
	h.quiet(t)
	h.advance(t, time.Second)
	h.speak(t)

	h.advance(t, 3*time.Second)
	assert.Equal(t, PhaseUserSpeaking, h.c.Phase())
	assert.Equal(t, 0, h.sender.doneCount())

	h.quiet(t)
	h.advance(t, 2*time.Second)
	assert.Equal(t, PhaseAgentProcessing, h.c.Phase())
	assert.Equal(t, 1, h.sender.doneCount())
}

func TestCoordinator_SpeechEndDuringCooldownStillEndsTurn(t *testing.T) {
	h := newHarness(t)
	h.userTurn(t)

	h.speak(t) // barge-in
	h.mic.Feed(silent)
	h.advance(t, 100*time.Millisecond) // cooldown ends, user already silent

	h.advance(t, 2*time.Second)
	assert.Equal(t, PhaseAgentProcessing, h.c.Phase())
	assert.Equal(t, 1, h.sender.doneCount())
}

func TestCoordinator_EdgesIgnoredOutsideUserTurn(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	h.speak(t)
	h.quiet(t)
	h.advance(t, 2*time.Second)
	require.Equal(t, PhaseAgentProcessing, h.c.Phase())

	h.c.post(event{kind: eventEdge, edge: vad.Edge{Type: vad.SpeechStart}})
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseAgentProcessing, snap.Phase)
	assert.False(t, snap.Recording)
}

func TestCoordinator_StaleEdgeDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	require.True(t, h.detector.Enabled())
	current := h.detector.Generation()

	h.c.post(event{kind: eventEdge, edge: vad.Edge{Type: vad.SpeechStart, Generation: current - 1}})
	h.sync(t)
	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.False(t, snap.Recording)

	h.c.post(event{kind: eventEdge, edge: vad.Edge{Type: vad.SpeechStart, Generation: current}})
	h.sync(t)
	snap = h.c.Snapshot()
	assert.Equal(t, PhaseUserSpeaking, snap.Phase)
	assert.True(t, snap.Recording)
}

func TestCoordinator_StaleSpeechEndAfterReenableIgnored(t *testing.T) {
	h := newHarness(t)
	h.userTurn(t)
	old := h.detector.Generation()

	h.speak(t) // barge-in, detector off for the cooldown
	h.advance(t, 100*time.Millisecond)
	require.True(t, h.detector.Enabled())
	require.NotEqual(t, old, h.detector.Generation())
	h.speak(t)

	// An end edge from before the cooldown must not start the debounce.
	h.c.post(event{kind: eventEdge, edge: vad.Edge{Type: vad.SpeechEnd, Generation: old}})
	h.mic.Feed(loud)
	h.advance(t, 3*time.Second)

	assert.Equal(t, PhaseUserSpeaking, h.c.Phase())
	assert.True(t, h.c.Snapshot().Recording)
	assert.Equal(t, 0, h.sender.doneCount())
}

func TestCoordinator_AgentTakingFloorEndsUtterance(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	h.speak(t)
	require.True(t, h.c.Snapshot().Recording)

	h.control(t, transport.TypeAgentSpeaking, "")

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseAgentSpeaking, snap.Phase)
	assert.False(t, snap.Recording)
	assert.False(t, snap.VADEnabled)
	assert.False(t, snap.UserTurnActive)
	assert.Equal(t, 0, h.mic.Active())
	assert.Equal(t, 1, h.sender.doneCount())
	assert.Equal(t, 1, snap.Stats.UtterancesSent)

	h.advance(t, 10*time.Second)
	h.control(t, transport.TypeAgentIdle, "")
	require.True(t, h.detector.Enabled())

	h.mic.Feed(silent)
	h.advance(t, 30*time.Second)

	snap = h.c.Snapshot()
	assert.Equal(t, PhaseAgentSpeaking, snap.Phase)
	assert.False(t, snap.Recording)
	assert.Equal(t, 1, h.mic.Active(), "only the detector holds the microphone")
	assert.Equal(t, 1, h.sender.doneCount())
}

func TestCoordinator_TranscriptAndResponse(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, transport.TypeTranscript, "I need to renew my policy")
	assert.Equal(t, PhaseAgentProcessing, h.c.Phase())

	h.control(t, transport.TypeResponse, "Sure, let me look that up")
	assert.Equal(t, PhaseAgentSpeaking, h.c.Phase())

	h.control(t, transport.TypeAgentSpeaking, "")
	snap := h.c.Snapshot()
	assert.Equal(t, PhaseAgentSpeaking, snap.Phase)
	assert.False(t, snap.VADEnabled)

	require.Len(t, snap.Messages, 2)
	assert.Equal(t, conversation.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "Sure, let me look that up", snap.Messages[1].Text)
}

func TestCoordinator_InterruptedAndRemoteErrorAreCounted(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, transport.TypeInterrupted, "")
	h.c.OnControl(transport.Inbound{Type: transport.TypeError, Message: "tts unavailable"})
	h.control(t, "telemetry", "")

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.Equal(t, 1, snap.Stats.InterruptAcks)
	assert.Equal(t, 1, snap.Stats.RemoteErrors)
	assert.Equal(t, 1, snap.Stats.IgnoredMessages)
}

func TestCoordinator_EndCall(t *testing.T) {
	h := newHarness(t)
	h.userTurn(t)
	h.control(t, transport.TypeTranscript, "my vehicle policy renewal")
	h.control(t, transport.TypeUserSpeaking, "")
	h.speak(t)
	require.True(t, h.c.Snapshot().Recording)
	h.clk.Advance(65 * time.Second / 10)
	flushes := h.playback.flushCount()

	summary, err := h.c.EndCall(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.MessageCount)
	assert.Equal(t, []string{"vehicle", "policy", "renewal"}, summary.Topics)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Recording)
	assert.Equal(t, summary, snap.LastSummary)
	assert.Equal(t, flushes+1, h.playback.flushCount())
	assert.Equal(t, 0, h.mic.Active())
	assert.False(t, h.detector.Enabled())
	assert.Equal(t, 0, h.sender.doneCount(), "ending a call does not send done")
	assert.Equal(t, []transport.MessageType{transport.TypeStart, transport.TypeCleanup}, h.link.types())
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, h.link.closes)
	assert.Equal(t, 0, h.clk.Pending(), "no timers survive the call")

	h.observer.mu.Lock()
	require.Len(t, h.observer.ended, 1)
	assert.Equal(t, summary, h.observer.ended[0])
	h.observer.mu.Unlock()
}

func TestCoordinator_EndCallWithoutMessages(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	summary, err := h.c.EndCall(context.Background())
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, PhaseIdle, h.c.Phase())

	_, err = h.c.EndCall(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestCoordinator_FatalCloseEndsCall(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeGreeting, "Hello")

	h.c.OnFatalClose(1006)
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	require.NotNil(t, snap.LastSummary)
	assert.Equal(t, 1, snap.LastSummary.MessageCount)
	assert.Len(t, h.link.closes, 1)
}

func TestCoordinator_TransportErrorMovesToError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	h.speak(t)
	require.True(t, h.c.Snapshot().Recording)

	h.c.OnError(errors.Mark(errors.New("dial refused"), transport.ErrTransport))
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseError, snap.Phase)
	assert.NotEmpty(t, snap.Error)
	assert.False(t, snap.Recording)
	assert.Equal(t, 0, h.mic.Active())
	assert.False(t, h.c.Active())

	// Restart clears the error.
	h.start(t)
	snap = h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Messages)
}

func TestCoordinator_EndCallFromError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.c.OnError(transport.ErrTransport)
	h.sync(t)
	require.Equal(t, PhaseError, h.c.Phase())

	summary, err := h.c.EndCall(context.Background())
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Empty(t, h.c.Snapshot().Error)
}

func TestCoordinator_PermissionDeniedAtStart(t *testing.T) {
	h := newHarness(t)
	h.mic.FailOpen(audio.ErrPermissionDenied)

	err := h.c.StartCall(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseError, snap.Phase)
	assert.Equal(t, "Please allow microphone access to start the conversation.", snap.Error)
	assert.Equal(t, 0, h.link.opens)
}

func TestCoordinator_MicrophoneCheckReleaseFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := zlog.Logger
	zlog.Logger = zerolog.New(&buf)
	t.Cleanup(func() { zlog.Logger = prev })

	h := newHarness(t)
	h.mic.FailClose(audio.ErrDeviceUnavailable)

	require.NoError(t, h.c.StartCall(context.Background()))
	h.sync(t)

	assert.Equal(t, PhaseGreeting, h.c.Phase())
	assert.Equal(t, 0, h.mic.Active())
	assert.Contains(t, buf.String(), "turn: release microphone check")
}

func TestCoordinator_CaptureFailureMovesToError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeUserSpeaking, "")
	require.True(t, h.detector.Enabled())

	h.mic.FailOpen(audio.ErrDeviceUnavailable)
	h.speak(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseError, snap.Phase)
	assert.Equal(t, "Microphone is not available.", snap.Error)
	assert.Equal(t, 0, h.mic.Active())
}

func TestCoordinator_ControlOutsideCallIgnored(t *testing.T) {
	h := newHarness(t)

	h.control(t, transport.TypeGreeting, "stale")
	h.c.OnAudio([]byte("RIFF"))

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, 1, snap.Stats.IgnoredMessages)
	assert.Equal(t, 0, h.playback.frames)
}

func TestCoordinator_AudioDuringCallIsPlayed(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.c.OnAudio([]byte("RIFF"))
	h.c.OnAudio([]byte("RIFF"))

	h.playback.mu.Lock()
	assert.Equal(t, 2, h.playback.frames)
	h.playback.mu.Unlock()
}

func TestCoordinator_ReconnectDoesNotRestartConversation(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, transport.TypeGreeting, "Hello")

	h.c.OnStateChange(transport.StateDisconnected)
	h.c.OnStateChange(transport.StateConnecting)
	h.c.OnStateChange(transport.StateConnected)
	h.c.OnOpen(true)
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, transport.StateConnected, snap.Connection)
	assert.Equal(t, []transport.MessageType{transport.TypeStart}, h.link.types())
}

func TestCoordinator_FailedFirstDialKeepsGreetingUntilRetryFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.StartCall(context.Background()))

	// First dial failed; the link schedules its retry and reports only state.
	h.c.OnStateChange(transport.StateDisconnected)
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, PhaseGreeting, snap.Phase)
	assert.Equal(t, transport.StateDisconnected, snap.Connection)
	assert.Empty(t, snap.Error)
	assert.True(t, h.c.Active(), "the link retries only while the call is active")

	h.c.OnStateChange(transport.StateConnecting)
	h.sync(t)
	assert.Equal(t, PhaseGreeting, h.c.Phase())

	h.c.OnStateChange(transport.StateDisconnected)
	h.c.OnError(errors.Mark(errors.New("connection refused"), transport.ErrTransport))
	h.sync(t)

	snap = h.c.Snapshot()
	assert.Equal(t, PhaseError, snap.Phase)
	assert.NotEmpty(t, snap.Error)
}

func TestCoordinator_RetriedFirstDialSendsStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.StartCall(context.Background()))

	h.c.OnStateChange(transport.StateDisconnected)
	h.c.OnStateChange(transport.StateConnecting)
	h.c.OnStateChange(transport.StateConnected)
	h.c.OnOpen(true)
	h.sync(t)

	assert.Equal(t, PhaseGreeting, h.c.Phase())
	assert.Equal(t, []transport.MessageType{transport.TypeStart}, h.link.types())

	h.c.OnOpen(true)
	h.sync(t)
	assert.Equal(t, []transport.MessageType{transport.TypeStart}, h.link.types())
}

func TestCoordinator_ObserverSeesPhasesInOrder(t *testing.T) {
	h := newHarness(t)
	h.userTurn(t)
	h.speak(t)
	h.control(t, transport.TypeTranscript, "hello")
	_, err := h.c.EndCall(context.Background())
	require.NoError(t, err)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []Phase{
		PhaseGreeting,
		PhaseAgentSpeaking,
		PhaseUserSpeaking,
		PhaseAgentProcessing,
		PhaseIdle,
	}, h.observer.phases)
	assert.Equal(t, 2, h.observer.appends)
	assert.Equal(t, transport.StateConnecting, h.observer.links[0])
}

func TestCoordinator_RunExitTearsDownCall(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.cancel()
	<-h.c.done

	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Equal(t, []time.Duration{0}, h.link.closes)

	err := h.c.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
