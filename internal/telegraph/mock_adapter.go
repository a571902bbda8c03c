package telegraph

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errMockClosed       = errors.New("mock adapter: closed")
	errMockDisconnected = errors.New("mock adapter: not connected")
)

// MockAdapter is an in-memory Adapter for tests in this and other packages.
// Outbound messages are recorded; inbound ones are injected with
// SimulateInbound.
type MockAdapter struct {
	platform string
	inbound  chan InboundMessage

	mu       sync.Mutex
	up, shut bool
	bot      string
	log      []OutboundMessage
	failErr  error
	failLeft int // sends still to fail; negative fails forever
}

// NewMockAdapter returns a MockAdapter reporting the given platform name.
func NewMockAdapter(platform string) *MockAdapter {
	return &MockAdapter{platform: platform, inbound: make(chan InboundMessage, 100)}
}

func (m *MockAdapter) Name() string { return m.platform }

func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bot
}

func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	m.bot = id
	m.mu.Unlock()
}

// FailSends makes the next n sends return err without recording them.
// A negative n fails every send.
func (m *MockAdapter) FailSends(n int, err error) {
	m.mu.Lock()
	m.failLeft, m.failErr = n, err
	m.mu.Unlock()
}

func (m *MockAdapter) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		return errMockClosed
	}
	m.up = true
	return nil
}

func (m *MockAdapter) Listen(context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return nil, errMockDisconnected
	}
	return m.inbound, nil
}

func (m *MockAdapter) Send(_ context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.up:
		return errMockDisconnected
	case m.failLeft < 0:
		return m.failErr
	case m.failLeft > 0:
		m.failLeft--
		return m.failErr
	}
	m.log = append(m.log, msg)
	return nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shut {
		m.shut, m.up = true, false
		close(m.inbound)
	}
	return nil
}

// SimulateInbound delivers msg as if a user had sent it, filling in the
// platform and timestamp when unset.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Platform == "" {
		msg.Platform = m.platform
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// Sent returns a copy of every successfully sent message, oldest first.
func (m *MockAdapter) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.log...)
}

// LastSent returns the newest sent message.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	sent := m.Sent()
	if len(sent) == 0 {
		return OutboundMessage{}, false
	}
	return sent[len(sent)-1], true
}
