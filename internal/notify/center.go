// Package notify relays transient user-facing notices to connected
// browser sessions.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a notice for presentation.
type Severity string

const (
	Success Severity = "success"
	Error   Severity = "error"
	Info    Severity = "info"
	Warning Severity = "warning"
)

// DefaultDuration is how long a notice stays up when the caller does not
// choose a duration.
const DefaultDuration = 3 * time.Second

// Toast is one transient notice. A zero Duration means sticky: the notice
// stays until dismissed by hand.
type Toast struct {
	ID        string        `json:"id"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Broadcaster delivers center events to every connected session.
type Broadcaster interface {
	Broadcast(v interface{})
}

type shownEvent struct {
	Type  string `json:"type"`
	Toast Toast  `json:"toast"`
}

type dismissedEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Center owns the set of live notices and their expiry timers.
type Center struct {
	mu     sync.Mutex
	active map[string]Toast
	timers map[string]*time.Timer
	sink   Broadcaster
}

// NewCenter creates a Center publishing through sink. sink may be nil, in
// which case notices are tracked but not delivered anywhere.
func NewCenter(sink Broadcaster) *Center {
	return &Center{
		active: make(map[string]Toast),
		timers: make(map[string]*time.Timer),
		sink:   sink,
	}
}

// Push shows a notice with the default duration.
func (c *Center) Push(severity Severity, message string) Toast {
	return c.PushFor(severity, message, DefaultDuration)
}

// PushFor shows a notice for the given duration; zero means sticky.
func (c *Center) PushFor(severity Severity, message string, duration time.Duration) Toast {
	toast := Toast{
		ID:        uuid.NewString(),
		Severity:  severity,
		Message:   message,
		Duration:  duration,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.active[toast.ID] = toast
	if duration > 0 {
		c.timers[toast.ID] = time.AfterFunc(duration, func() {
			c.Dismiss(toast.ID)
		})
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Broadcast(shownEvent{Type: "toast", Toast: toast})
	}
	return toast
}

// Dismiss removes a notice, whether by user action or timer expiry. It is
// a no-op for unknown ids, so a manual dismissal racing the auto timer is
// harmless.
func (c *Center) Dismiss(id string) {
	c.mu.Lock()
	_, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, id)
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Broadcast(dismissedEvent{Type: "toast_dismissed", ID: id})
	}
}

// Active lists the notices currently showing, for sessions that connect
// mid-stream.
func (c *Center) Active() []Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Toast, 0, len(c.active))
	for _, t := range c.active {
		out = append(out, t)
	}
	return out
}
