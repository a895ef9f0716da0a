// Package notification fans call events out to observers.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/conversation"
)

// Type represents a notification type.
type Type int

const (
	TypePhaseChanged        Type = iota // Turn phase changed
	TypeMessageAppended                 // A message was added to the log
	TypeInterruptionChanged             // Barge-in cooldown started or ended
	TypeConnectionChanged               // Link state changed
	TypeCallEnded                       // Call finished, summary attached when available
	TypeError                           // Structural error surfaced to the user
)

// String returns the string representation of the type.
func (t Type) String() string {
	switch t {
	case TypePhaseChanged:
		return "phase_changed"
	case TypeMessageAppended:
		return "message_appended"
	case TypeInterruptionChanged:
		return "interruption_changed"
	case TypeConnectionChanged:
		return "connection_changed"
	case TypeCallEnded:
		return "call_ended"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is one observable change.
type Notification struct {
	SequenceNo   uint64
	Type         Type
	Phase        string
	Message      *conversation.Message
	Interruption bool
	Connection   string
	Summary      *conversation.Summary
	Error        string
}

// Stream represents a notification stream for a subscriber.
type Stream interface {
	Send(*Notification) error
}

type subscription struct {
	id     string
	stream Stream
}

// Manager manages subscriptions and broadcasting.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	order         []string
	sendTimeout   time.Duration

	sequenceNoMu sync.Mutex
	sequenceNo   uint64
}

// NewManager creates a manager. Each subscriber send is bounded by sendTimeout.
func NewManager(sendTimeout time.Duration) *Manager {
	if sendTimeout <= 0 {
		sendTimeout = 500 * time.Millisecond
	}
	return &Manager{
		subscriptions: make(map[string]*subscription),
		sendTimeout:   sendTimeout,
	}
}

// Subscribe adds a subscription and returns its ID.
func (m *Manager) Subscribe(stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.subscriptions[id] = &subscription{id: id, stream: stream}
	m.order = append(m.order, id)
	return id
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscriptions, subscriptionID)
	for i, id := range m.order {
		if id == subscriptionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Broadcast stamps n with the next sequence number and sends it to every
// subscriber in parallel. It returns when all sends finished or timed out.
func (m *Manager) Broadcast(n *Notification) {
	m.sequenceNoMu.Lock()
	m.sequenceNo++
	n.SequenceNo = m.sequenceNo
	m.sequenceNoMu.Unlock()

	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.order))
	for _, id := range m.order {
		subs = append(subs, m.subscriptions[id])
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.stream.Send(n)
			}()

			select {
			case err := <-done:
				if err != nil {
					zlog.Debug().Err(err).Msgf("notification: send failed: subscriber=%s type=%s", s.id, n.Type)
				}
			case <-ctx.Done():
				zlog.Warn().Msgf("notification: send timed out: subscriber=%s type=%s", s.id, n.Type)
			}
		}(sub)
	}
	wg.Wait()
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close removes all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]*subscription)
	m.order = nil
}
