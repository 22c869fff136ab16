// Package mail renders and delivers the controller's user-facing
// notifications: expiry warnings, timeout notices, failure alerts and
// expiry confirmations.
package mail

import (
	"context"
	"sync"
)

// Message is a rendered outbound email.
type Message struct {
	To      string
	CC      string
	Subject string
	Body    string
}

// Notifier is the outbound mail port. Implementations must treat the
// recipient encoding as UTF-8.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// MemoryNotifier collects messages for tests.
type MemoryNotifier struct {
	mu sync.Mutex

	// SendErr is returned by Send when set.
	SendErr error

	Sent []Message
}

var _ Notifier = (*MemoryNotifier)(nil)

func NewMemory() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Messages returns a copy of the sent messages.
func (m *MemoryNotifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.Sent...)
}
