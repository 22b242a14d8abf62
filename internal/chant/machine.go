// Package chant counts spoken chant repetitions from speech transcripts.
//
// The package is pure: it performs no I/O and never reads the clock.
// Hosts pass the current time into every transition and decide when
// state is persisted.
package chant

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrInvalidInput marks transcripts or stored state that violate the
// expected shape. It never indicates a fatal condition.
var ErrInvalidInput = errors.New("invalid input")

// DefaultCycleSize is the number of repetitions in one mala.
const DefaultCycleSize = 108

// Mode gates whether transcripts are counted.
type Mode int

const (
	Idle Mode = iota
	Armed
)

func (m Mode) String() string {
	if m == Armed {
		return "armed"
	}
	return "idle"
}

// State is the persisted counter progress.
type State struct {
	TotalCount        int       `json:"total_count"`
	CurrentCycleCount int       `json:"current_cycle_count"`
	CompletedCycles   int       `json:"completed_cycles"`
	LastMatch         time.Time `json:"last_match_at"`
}

// Config parameterizes a Machine.
type Config struct {
	Variants   []string
	Threshold  float64
	CycleSize  int
	Debounce   time.Duration
	Milestones []int
}

// Machine applies counter transitions. It holds no counter state itself.
type Machine struct {
	matcher    *Matcher
	cycleSize  int
	debounce   time.Duration
	milestones map[int]struct{}
}

// NewMachine validates cfg and prepares the matcher.
func NewMachine(cfg Config) (*Machine, error) {
	matcher, err := NewMatcher(cfg.Variants, cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.CycleSize <= 0 {
		return nil, fmt.Errorf("cycle size must be positive, got %d", cfg.CycleSize)
	}
	if cfg.Debounce < 0 {
		return nil, fmt.Errorf("debounce window must not be negative, got %s", cfg.Debounce)
	}
	milestones := make(map[int]struct{}, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		if m > 0 {
			milestones[m] = struct{}{}
		}
	}
	return &Machine{
		matcher:    matcher,
		cycleSize:  cfg.CycleSize,
		debounce:   cfg.Debounce,
		milestones: milestones,
	}, nil
}

// Matcher exposes the phrase matcher used by the machine.
func (m *Machine) Matcher() *Matcher { return m.matcher }

// CycleSize reports repetitions per cycle.
func (m *Machine) CycleSize() int { return m.cycleSize }

// Debounce reports the duplicate suppression window.
func (m *Machine) Debounce() time.Duration { return m.debounce }

// OnTranscript counts text if it matches and falls outside the debounce window.
// An empty events slice means the state is unchanged.
func (m *Machine) OnTranscript(mode Mode, s State, text string, now time.Time) (State, []Event, error) {
	if !utf8.ValidString(text) {
		return s, []Event{{Type: EventInvalidInput, State: s, Reason: "transcript is not valid UTF-8"}}, fmt.Errorf("%w: transcript is not valid UTF-8", ErrInvalidInput)
	}
	if mode != Armed {
		return s, nil, nil
	}
	if m.debounced(s, now) {
		return s, nil, nil
	}
	match, ok := m.matcher.Match(text)
	if !ok {
		return s, nil, nil
	}
	next, events := m.advance(s, now)
	events[len(events)-1].Match = &match
	return next, events, nil
}

// ManualIncrement counts one repetition without matching or debounce.
func (m *Machine) ManualIncrement(s State, now time.Time) (State, []Event) {
	return m.advance(s, now)
}

// Reset zeroes all progress.
func (m *Machine) Reset(s State) (State, []Event) {
	next := State{LastMatch: s.LastMatch}
	return next, []Event{{Type: EventReset, State: next}}
}

// Restore validates a loaded state. Malformed state yields the zero state
// and an error wrapping ErrInvalidInput. Cycle progress at or above the
// cycle size, as left behind when the cycle size is lowered, is folded into
// completed cycles; TotalCount is never changed.
func (m *Machine) Restore(s State) (State, error) {
	switch {
	case s.TotalCount < 0, s.CompletedCycles < 0, s.CurrentCycleCount < 0:
		return State{}, fmt.Errorf("%w: negative counter in stored state", ErrInvalidInput)
	case s.TotalCount < s.CurrentCycleCount:
		return State{}, fmt.Errorf("%w: total %d below cycle progress %d", ErrInvalidInput, s.TotalCount, s.CurrentCycleCount)
	}
	if s.CurrentCycleCount >= m.cycleSize {
		s.CompletedCycles += s.CurrentCycleCount / m.cycleSize
		s.CurrentCycleCount %= m.cycleSize
	}
	return s, nil
}

func (m *Machine) debounced(s State, now time.Time) bool {
	if s.LastMatch.IsZero() || m.debounce == 0 {
		return false
	}
	return now.Sub(s.LastMatch) < m.debounce
}

func (m *Machine) advance(s State, now time.Time) (State, []Event) {
	s.TotalCount++
	s.CurrentCycleCount++
	s.LastMatch = now

	var events []Event
	if s.CurrentCycleCount == m.cycleSize {
		s.CurrentCycleCount = 0
		s.CompletedCycles++
		events = append(events, Event{Type: EventCycleCompleted, State: s, Cycle: s.CompletedCycles})
		if _, ok := m.milestones[s.CompletedCycles]; ok {
			events = append(events, Event{Type: EventMilestone, State: s, Cycle: s.CompletedCycles})
		}
	}
	events = append(events, Event{Type: EventIncremented, State: s})
	return s, events
}
