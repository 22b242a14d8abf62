package chant

import (
	"sync"
	"time"
)

// Saver persists a snapshot. Implementations must not block the caller on
// I/O; the counter only relies on calls being issued in order.
type Saver interface {
	Save(State)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(State)

func (f SaverFunc) Save(s State) { f(s) }

// Notifier receives events for rendering.
type Notifier func(Event)

// Option configures a Counter.
type Option func(*Counter)

// WithSaver sets the persistence hook called after every accepted mutation.
func WithSaver(s Saver) Option {
	return func(c *Counter) { c.saver = s }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(c *Counter) { c.notify = n }
}

// WithMode sets the initial mode. Counters start Armed by default.
func WithMode(mode Mode) Option {
	return func(c *Counter) { c.mode = mode }
}

// Counter owns one devotee's state and drives a Machine.
type Counter struct {
	mu      sync.Mutex
	machine *Machine
	mode    Mode
	state   State
	saver   Saver
	notify  Notifier
}

// NewCounter returns an armed counter at zero.
func NewCounter(m *Machine, opts ...Option) *Counter {
	c := &Counter{machine: m, mode: Armed}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed installs previously persisted state. Malformed state leaves the
// counter at zero, emits invalidInput and returns an ErrInvalidInput error.
func (c *Counter) Seed(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	restored, err := c.machine.Restore(s)
	c.state = restored
	if err != nil {
		c.emit(Event{Type: EventInvalidInput, State: restored, Reason: err.Error()})
	}
	return err
}

// State returns a snapshot.
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode reports whether transcripts are being counted.
func (c *Counter) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Arm starts accepting transcript detections.
func (c *Counter) Arm() { c.setMode(Armed) }

// Disarm stops counting transcripts. Manual increments still apply.
func (c *Counter) Disarm() { c.setMode(Idle) }

func (c *Counter) setMode(mode Mode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// OnTranscript feeds one transcript fragment. It reports whether the
// fragment was counted.
func (c *Counter) OnTranscript(text string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, events, err := c.machine.OnTranscript(c.mode, c.state, text, now)
	if err != nil {
		c.emitAll(events)
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}
	c.commit(next, events)
	return true, nil
}

// ManualIncrement counts one tap, ignoring the debounce window.
func (c *Counter) ManualIncrement(now time.Time) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, events := c.machine.ManualIncrement(c.state, now)
	c.commit(next, events)
	return next
}

// Reset zeroes progress. Confirmation is the caller's concern.
func (c *Counter) Reset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, events := c.machine.Reset(c.state)
	c.commit(next, events)
	return next
}

// commit stores next, emits cycle notifications, persists, then emits the
// trailing incremented or reset event.
func (c *Counter) commit(next State, events []Event) {
	c.state = next
	last := len(events) - 1
	c.emitAll(events[:last])
	if c.saver != nil {
		c.saver.Save(next)
	}
	c.emit(events[last])
}

func (c *Counter) emitAll(events []Event) {
	for _, e := range events {
		c.emit(e)
	}
}

func (c *Counter) emit(e Event) {
	if c.notify != nil {
		c.notify(e)
	}
}
