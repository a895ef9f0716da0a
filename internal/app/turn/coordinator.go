package turn

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/app/capture"
	"github.com/osa030/talkbox/internal/app/notification"
	"github.com/osa030/talkbox/internal/app/vad"
	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/clock"
	"github.com/osa030/talkbox/internal/infra/transport"
)

// DefaultGreeting is the start message sent to the agent.
const DefaultGreeting = "Hi, my name is Sandy, I am your car insurance agent. How can I help you?"

// Config holds coordinator configuration.
type Config struct {
	Greeting             string
	SilenceDebounce      time.Duration // Silence needed to end the user's turn
	InterruptionCooldown time.Duration // Detector pause after a barge-in
	CloseGrace           time.Duration // Delay between cleanup and closing the link
	Topics               conversation.TopicOptions
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Greeting:             DefaultGreeting,
		SilenceDebounce:      2000 * time.Millisecond,
		InterruptionCooldown: 100 * time.Millisecond,
		CloseGrace:           200 * time.Millisecond,
		Topics:               conversation.DefaultTopicOptions(),
	}
}

// Transport is the link to the agent.
type Transport interface {
	SetHandler(h transport.Handler)
	Open(ctx context.Context)
	SendStart(message string) error
	SendCleanup() error
	Close(grace time.Duration)
}

// Playback receives agent audio and can be cut off.
type Playback interface {
	Push(frame []byte) bool
	Flush()
}

// Recorder arms microphone capture.
type Recorder interface {
	Arm(ctx context.Context) (*capture.Handle, error)
}

// Detector reports speech edges while enabled.
type Detector interface {
	OnEdge(fn func(vad.Edge))
	Enable(ctx context.Context) error
	Disable()
	Enabled() bool
	Generation() uint64
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Transport Transport
	Playback  Playback
	Recorder  Recorder
	Detector  Detector
	// Microphone, when set, is probed at call start to surface permission
	// problems before the agent is contacted.
	Microphone audio.Source
	Notifier   *notification.Manager
	Clock      clock.Clock
}

// Stats counts call activity.
type Stats struct {
	Calls           int
	Interruptions   int // Barge-ins that flushed agent audio
	UtterancesSent  int // End-of-utterance signals
	InterruptAcks   int // Agent acknowledgements of a barge-in
	RemoteErrors    int // Non-fatal errors reported by the agent
	IgnoredMessages int
}

// Snapshot is a consistent copy of the coordinator state.
type Snapshot struct {
	Phase                 Phase
	SessionID             string
	StartedAt             time.Time
	Messages              []conversation.Message
	UserTurnActive        bool
	VADEnabled            bool
	InterruptionAttempted bool
	Recording             bool
	Connection            transport.ConnectionState
	Error                 string
	LastSummary           *conversation.Summary
	Stats                 Stats
}

// Coordinator owns the turn-taking state machine. Every input becomes an
// event applied in order by Run.
type Coordinator struct {
	mu sync.RWMutex

	config     Config
	transport  Transport
	playback   Playback
	recorder   Recorder
	detector   Detector
	microphone audio.Source
	notifier   *notification.Manager
	clock      clock.Clock

	phase          Phase
	session        *conversation.Session
	connection     transport.ConnectionState
	errorMessage   string
	capture        *capture.Handle
	speaking       bool // user speech in progress as last reported by the detector
	captureStopped bool
	startSent      bool
	lastSummary    *conversation.Summary
	stats          Stats

	debounceCancel     func()
	debounceGeneration uint64
	cooldownCancel     func()
	cooldownGeneration uint64

	pending []*notification.Notification

	ctx    context.Context
	events chan event
	done   chan struct{}
}

// New creates a coordinator and registers it with the transport and detector.
func New(config Config, deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewManager(0)
	}

	c := &Coordinator{
		config:     config,
		transport:  deps.Transport,
		playback:   deps.Playback,
		recorder:   deps.Recorder,
		detector:   deps.Detector,
		microphone: deps.Microphone,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		phase:      PhaseIdle,
		connection: transport.StateDisconnected,
		ctx:        context.Background(),
		events:     make(chan event, 64),
		done:       make(chan struct{}),
	}

	c.transport.SetHandler(c)
	c.detector.OnEdge(func(e vad.Edge) {
		c.post(event{kind: eventEdge, edge: e})
	})
	return c
}

// Subscribe registers an observer and returns its subscription ID.
func (c *Coordinator) Subscribe(o Observer) string {
	return c.notifier.Subscribe(ObserverStream(o))
}

// Run applies events until ctx is cancelled. An active call is torn down
// without the close grace period on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// StartCall begins a new call from idle or error.
func (c *Coordinator) StartCall(ctx context.Context) error {
	res, err := c.request(ctx, eventStartCall)
	if err != nil {
		return err
	}
	return res.err
}

// EndCall ends the active call and returns its summary, nil when nothing was
// said. From the error phase it only clears the error. It returns
// ErrNoActiveCall when idle.
func (c *Coordinator) EndCall(ctx context.Context) (*conversation.Summary, error) {
	res, err := c.request(ctx, eventEndCall)
	if err != nil {
		return nil, err
	}
	return res.summary, res.err
}

// Sync returns once every event posted before it has been applied.
func (c *Coordinator) Sync(ctx context.Context) error {
	_, err := c.request(ctx, eventSync)
	return err
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Phase:       c.phase,
		Connection:  c.connection,
		Error:       c.errorMessage,
		Recording:   c.capture != nil,
		LastSummary: c.lastSummary,
		Stats:       c.stats,
	}
	if c.session != nil {
		s.SessionID = c.session.ID
		s.StartedAt = c.session.StartedAt
		s.Messages = c.session.Messages()
		s.UserTurnActive = c.session.UserTurnActive
		s.VADEnabled = c.session.VADEnabled
		s.InterruptionAttempted = c.session.InterruptionAttempted
	}
	return s
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Coordinator) request(ctx context.Context, kind eventKind) (result, error) {
	reply := make(chan result, 1)
	select {
	case c.events <- event{kind: kind, reply: reply}:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.done:
		return result{}, ErrStopped
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.done:
		return result{}, ErrStopped
	}
}

// post queues an event from a collaborator goroutine.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// transport.Handler

// Active reports whether a call is in progress.
func (c *Coordinator) Active() bool {
	return c.Phase().Active()
}

// OnOpen is called when the link opens.
func (c *Coordinator) OnOpen(reconnected bool) {
	c.post(event{kind: eventOpened, reconnected: reconnected})
}

// OnControl is called for each control message.
func (c *Coordinator) OnControl(msg transport.Inbound) {
	c.post(event{kind: eventControl, msg: msg})
}

// OnAudio forwards agent speech straight to playback while a call is active.
func (c *Coordinator) OnAudio(frame []byte) {
	if !c.Active() {
		zlog.Debug().Msgf("turn: audio frame dropped outside call: bytes=%d", len(frame))
		return
	}
	c.playback.Push(frame)
}

// OnStateChange is called when the link state changes.
func (c *Coordinator) OnStateChange(state transport.ConnectionState) {
	c.post(event{kind: eventConnection, state: state})
}

// OnFatalClose is called when the link closed in a way that ends the call.
func (c *Coordinator) OnFatalClose(code int) {
	c.post(event{kind: eventFatalClose, code: code})
}

// OnError is called when the link failed for good.
func (c *Coordinator) OnError(err error) {
	c.post(event{kind: eventTransportError, err: err})
}

func (c *Coordinator) dispatch(ev event) {
	c.mu.Lock()

	var res result
	switch ev.kind {
	case eventStartCall:
		res.err = c.startCallLocked()
	case eventEndCall:
		res.summary, res.err = c.endCallLocked()
	case eventOpened:
		c.handleOpenedLocked(ev.reconnected)
	case eventControl:
		c.handleControlLocked(ev.msg)
	case eventConnection:
		c.setConnectionLocked(ev.state)
	case eventFatalClose:
		c.handleFatalCloseLocked(ev.code)
	case eventTransportError:
		c.handleTransportErrorLocked(ev.err)
	case eventEdge:
		c.handleEdgeLocked(ev.edge)
	case eventDebounce:
		c.handleDebounceLocked(ev.generation)
	case eventCooldown:
		c.handleCooldownLocked(ev.generation)
	case eventSync:
	}

	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, n := range pending {
		c.notifier.Broadcast(n)
	}
	if ev.reply != nil {
		ev.reply <- res
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	if c.phase.Active() {
		c.teardownLocked(0)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, n := range pending {
		c.notifier.Broadcast(n)
	}
}

func (c *Coordinator) startCallLocked() error {
	if c.phase.Active() {
		return ErrCallActive
	}

	if c.microphone != nil {
		stream, err := c.microphone.Open(c.ctx, func([]int16) {})
		if err != nil {
			err = errors.Wrap(err, "turn: microphone check")
			c.failLocked(err)
			return err
		}
		if err := stream.Close(); err != nil {
			zlog.Warn().Err(err).Msg("turn: release microphone check")
		}
	}

	c.cancelTimersLocked()
	c.playback.Flush()

	c.session = conversation.NewSession(uuid.New().String(), c.clock.Now())
	c.session.UserTurnActive = true
	c.errorMessage = ""
	c.speaking = false
	c.captureStopped = false
	c.startSent = false
	c.lastSummary = nil
	c.stats.Calls++

	zlog.Info().Msgf("turn: call started: session=%s", c.session.ID)

	c.setPhaseLocked(PhaseGreeting)
	c.setConnectionLocked(transport.StateConnecting)
	c.transport.Open(c.ctx)
	return nil
}

func (c *Coordinator) endCallLocked() (*conversation.Summary, error) {
	switch c.phase {
	case PhaseIdle:
		return nil, ErrNoActiveCall
	case PhaseError:
		// Everything was released on failure; only the error display remains.
		c.session = nil
		c.errorMessage = ""
		c.setPhaseLocked(PhaseIdle)
		return nil, nil
	}
	return c.teardownLocked(c.config.CloseGrace), nil
}

// teardownLocked ends the active call: summary, timers, playback, capture,
// detector, cleanup message and link close, in that order.
func (c *Coordinator) teardownLocked(grace time.Duration) *conversation.Summary {
	var summary *conversation.Summary
	if c.session != nil && c.session.Len() > 0 {
		s := c.session.Summarize(c.clock.Now(), c.config.Topics)
		summary = &s
		c.lastSummary = summary
	}

	c.releaseLocked()

	if err := c.transport.SendCleanup(); err != nil {
		zlog.Debug().Err(err).Msg("turn: cleanup not sent")
	}
	c.transport.Close(grace)

	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.session = nil
	c.errorMessage = ""
	c.setPhaseLocked(PhaseIdle)
	c.setConnectionLocked(transport.StateDisconnected)

	zlog.Info().Msgf("turn: call ended: session=%s summary=%t", sessionID, summary != nil)

	c.notifyLocked(&notification.Notification{
		Type:    notification.TypeCallEnded,
		Summary: summary,
	})
	return summary
}

// releaseLocked stops every timer and device owned by the call.
func (c *Coordinator) releaseLocked() {
	c.cancelTimersLocked()
	c.playback.Flush()

	if c.capture != nil {
		c.capture.Abort()
		c.capture = nil
	}
	c.captureStopped = true
	c.speaking = false

	if c.session != nil {
		c.session.UserTurnActive = false
		c.session.VADEnabled = false
		if c.session.InterruptionAttempted {
			c.session.InterruptionAttempted = false
			c.notifyLocked(&notification.Notification{
				Type:         notification.TypeInterruptionChanged,
				Interruption: false,
			})
		}
	}
	c.detector.Disable()
}

// failLocked moves to the error phase with every resource released.
func (c *Coordinator) failLocked(err error) {
	zlog.Error().Err(err).Msgf("turn: call failed: phase=%s", c.phase)

	c.releaseLocked()
	c.transport.Close(0)

	c.errorMessage = userMessage(err)
	if c.session != nil {
		c.session.ErrorMessage = c.errorMessage
	}
	c.setPhaseLocked(PhaseError)
	c.setConnectionLocked(transport.StateDisconnected)

	c.notifyLocked(&notification.Notification{
		Type:  notification.TypeError,
		Error: c.errorMessage,
	})
}

func (c *Coordinator) handleOpenedLocked(reconnected bool) {
	if !c.phase.Active() {
		return
	}
	// A retried first dial opens as a reconnect but the agent has not been
	// started yet.
	if c.startSent {
		zlog.Info().Msgf("turn: link restored, call continues: reconnect=%t", reconnected)
		return
	}
	if err := c.transport.SendStart(c.config.Greeting); err != nil {
		zlog.Warn().Err(err).Msg("turn: start message not sent")
		return
	}
	c.startSent = true
}

func (c *Coordinator) handleControlLocked(msg transport.Inbound) {
	if !c.phase.Active() || c.session == nil {
		c.stats.IgnoredMessages++
		zlog.Debug().Msgf("turn: control ignored outside call: type=%s", msg.Type)
		return
	}

	switch msg.Type {
	case transport.TypeGreeting:
		c.appendLocked(conversation.RoleAgent, msg.Text)
		c.setPhaseLocked(PhaseGreeting)
	case transport.TypeGreetingEnd:
		c.setPhaseLocked(PhaseAgentSpeaking)
	case transport.TypeTranscript:
		c.appendLocked(conversation.RoleUser, msg.Text)
		c.setPhaseLocked(PhaseAgentProcessing)
	case transport.TypeResponse:
		c.appendLocked(conversation.RoleAgent, msg.Text)
		c.setPhaseLocked(PhaseAgentSpeaking)
	case transport.TypeAgentSpeaking:
		c.setPhaseLocked(PhaseAgentSpeaking)
		if c.stopCaptureLocked() {
			zlog.Info().Msg("turn: agent took the floor, utterance sent")
		}
		c.setVADLocked(false)
	case transport.TypeAgentIdle, transport.TypeUserSpeaking:
		c.session.UserTurnActive = true
		c.setVADLocked(true)
	case transport.TypeInterrupted:
		c.stats.InterruptAcks++
		zlog.Info().Msg("turn: agent acknowledged interruption")
	case transport.TypeError:
		c.stats.RemoteErrors++
		zlog.Warn().Msgf("turn: agent reported error: %s", msg.Message)
	default:
		c.stats.IgnoredMessages++
		zlog.Debug().Msgf("turn: unknown control ignored: type=%s", msg.Type)
	}
}

func (c *Coordinator) handleFatalCloseLocked(code int) {
	if !c.phase.Active() {
		return
	}
	zlog.Warn().Msgf("turn: link closed abnormally, ending call: code=%d", code)
	c.teardownLocked(c.config.CloseGrace)
}

func (c *Coordinator) handleTransportErrorLocked(err error) {
	if !c.phase.Active() {
		return
	}
	c.failLocked(errors.Mark(err, ErrTransport))
}

func (c *Coordinator) handleEdgeLocked(edge vad.Edge) {
	if !c.phase.Active() || c.session == nil || !c.session.UserTurnActive || !c.session.VADEnabled {
		zlog.Debug().Msgf("turn: %s ignored: phase=%s", edge.Type, c.phase)
		return
	}
	if gen := c.detector.Generation(); edge.Generation != gen {
		zlog.Debug().Msgf("turn: stale %s dropped: generation=%d current=%d", edge.Type, edge.Generation, gen)
		return
	}

	switch edge.Type {
	case vad.SpeechStart:
		c.cancelDebounceLocked()
		if c.speaking {
			return
		}
		c.speaking = true
		c.captureStopped = false

		if c.phase == PhaseAgentSpeaking {
			c.bargeInLocked()
		}
		if c.capture == nil {
			h, err := c.recorder.Arm(c.ctx)
			if err != nil {
				c.failLocked(err)
				return
			}
			c.capture = h
			c.setPhaseLocked(PhaseUserSpeaking)
		}
	case vad.SpeechEnd:
		c.scheduleDebounceLocked()
	}
}

// bargeInLocked cuts the agent off and pauses detection for the cooldown.
func (c *Coordinator) bargeInLocked() {
	c.playback.Flush()
	c.stats.Interruptions++
	zlog.Info().Msg("turn: user interrupted agent")

	c.setPhaseLocked(PhaseUserSpeaking)
	c.setInterruptionLocked(true)
	c.setVADLocked(false)

	if c.cooldownCancel != nil {
		c.cooldownCancel()
	}
	c.cooldownGeneration++
	gen := c.cooldownGeneration
	c.cooldownCancel = c.clock.AfterFunc(c.config.InterruptionCooldown, func() {
		c.post(event{kind: eventCooldown, generation: gen})
	})
}

func (c *Coordinator) handleCooldownLocked(gen uint64) {
	if gen != c.cooldownGeneration || c.cooldownCancel == nil {
		return
	}
	c.cooldownCancel = nil

	c.setInterruptionLocked(false)
	c.setVADLocked(true)
}

func (c *Coordinator) scheduleDebounceLocked() {
	if !c.speaking || c.debounceCancel != nil {
		return
	}
	c.debounceGeneration++
	gen := c.debounceGeneration
	c.debounceCancel = c.clock.AfterFunc(c.config.SilenceDebounce, func() {
		c.post(event{kind: eventDebounce, generation: gen})
	})
}

func (c *Coordinator) handleDebounceLocked(gen uint64) {
	if gen != c.debounceGeneration || c.debounceCancel == nil {
		return
	}
	c.debounceCancel = nil

	if c.captureStopped || c.capture == nil || !c.phase.Active() {
		c.speaking = false
		return
	}
	c.setPhaseLocked(PhaseAgentProcessing)
	c.stopCaptureLocked()
	c.setVADLocked(false)
}

// stopCaptureLocked ends the user's utterance: the armed capture is flushed
// and done is sent once. It reports whether a capture was running.
func (c *Coordinator) stopCaptureLocked() bool {
	c.cancelDebounceLocked()
	c.speaking = false
	if c.captureStopped || c.capture == nil {
		return false
	}
	c.captureStopped = true

	h := c.capture
	c.capture = nil
	if err := h.Disarm(true); err != nil {
		zlog.Warn().Err(err).Msg("turn: capture stop")
	}
	c.stats.UtterancesSent++
	c.session.UserTurnActive = false
	return true
}

func (c *Coordinator) cancelDebounceLocked() {
	if c.debounceCancel != nil {
		c.debounceCancel()
		c.debounceCancel = nil
	}
	c.debounceGeneration++
}

func (c *Coordinator) cancelTimersLocked() {
	c.cancelDebounceLocked()
	if c.cooldownCancel != nil {
		c.cooldownCancel()
		c.cooldownCancel = nil
	}
	c.cooldownGeneration++
}

// setVADLocked records the requested detector state and applies it. The
// detector runs only while requested, the user's turn is active and a call
// is in progress.
func (c *Coordinator) setVADLocked(enabled bool) {
	if c.session == nil {
		return
	}
	c.session.VADEnabled = enabled

	want := enabled && c.session.UserTurnActive && c.phase.Active()
	if !want {
		c.detector.Disable()
		return
	}
	restarted := !c.detector.Enabled()
	if err := c.detector.Enable(c.ctx); err != nil {
		c.failLocked(err)
		return
	}

	// Detection restarts from silence, so speech that ended while it was
	// off would never produce an end edge.
	if restarted && c.speaking {
		c.scheduleDebounceLocked()
	}
}

func (c *Coordinator) setInterruptionLocked(attempted bool) {
	if c.session == nil || c.session.InterruptionAttempted == attempted {
		return
	}
	c.session.InterruptionAttempted = attempted
	c.notifyLocked(&notification.Notification{
		Type:         notification.TypeInterruptionChanged,
		Interruption: attempted,
	})
}

func (c *Coordinator) appendLocked(role conversation.Role, text string) {
	msg := c.session.Append(role, text, c.clock.Now())
	c.notifyLocked(&notification.Notification{
		Type:    notification.TypeMessageAppended,
		Message: &msg,
	})
}

func (c *Coordinator) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	zlog.Debug().Msgf("turn: phase: %s -> %s", c.phase, p)
	c.phase = p
	c.notifyLocked(&notification.Notification{
		Type:  notification.TypePhaseChanged,
		Phase: p.String(),
	})
}

func (c *Coordinator) setConnectionLocked(s transport.ConnectionState) {
	if c.connection == s {
		return
	}
	c.connection = s
	c.notifyLocked(&notification.Notification{
		Type:       notification.TypeConnectionChanged,
		Connection: s.String(),
	})
}

// notifyLocked queues a notification; dispatch broadcasts it after the lock
// is released.
func (c *Coordinator) notifyLocked(n *notification.Notification) {
	c.pending = append(c.pending, n)
}
