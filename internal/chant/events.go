package chant

// EventType names a counter notification.
type EventType string

const (
	EventIncremented    EventType = "incremented"
	EventCycleCompleted EventType = "cycleCompleted"
	EventMilestone      EventType = "milestone"
	EventReset          EventType = "reset"
	EventInvalidInput   EventType = "invalidInput"
)

// Event carries the full state after a transition. Cycle is set for
// cycleCompleted and milestone events to the index of the completed cycle.
type Event struct {
	Type   EventType
	State  State
	Cycle  int
	Match  *Match
	Reason string
}
