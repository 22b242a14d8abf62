package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents speech adapter output broadcast on the bus.
// SessionID identifies the devotee whose counter the transcript feeds.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ListenControl toggles the speech adapter microphone gate.
type ListenControl struct {
	SessionID string `json:"session_id,omitempty"`
	Listening bool   `json:"listening"`
}

// CounterCommand is the request body for counter command subjects.
type CounterCommand struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// CounterState mirrors the persisted counter progress on the wire.
type CounterState struct {
	TotalCount        int       `json:"total_count"`
	CurrentCycleCount int       `json:"current_cycle_count"`
	CompletedCycles   int       `json:"completed_cycles"`
	CycleSize         int       `json:"cycle_size"`
	LastMatch         time.Time `json:"last_match_at,omitempty"`
}

// CounterReply answers a counter command.
type CounterReply struct {
	SessionID string       `json:"session_id"`
	State     CounterState `json:"state"`
	Error     string       `json:"error,omitempty"`
}

// CounterEvent is published for every counter notification.
type CounterEvent struct {
	SessionID  string       `json:"session_id"`
	Type       string       `json:"type"`
	State      CounterState `json:"state"`
	Cycle      int          `json:"cycle,omitempty"`
	MatchKind  string       `json:"match_kind,omitempty"`
	Variant    string       `json:"variant,omitempty"`
	Similarity float64      `json:"similarity,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectListenControl     = "speech.listen"

	SubjectCounterIncrement   = "japa.counter.increment"
	SubjectCounterReset       = "japa.counter.reset"
	SubjectCounterState       = "japa.counter.state"
	SubjectCounterEventPrefix = "japa.counter.event"
)

// CounterEventSubject returns the subject an event of the given type is published on.
func CounterEventSubject(eventType string) string {
	return SubjectCounterEventPrefix + "." + eventType
}
