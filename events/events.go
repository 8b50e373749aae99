package events

type EventType string

const (
	RouteChanged EventType = "RouteChanged"
	Converged    EventType = "Converged"
	ModeChanged  EventType = "ModeChanged"
	Stopped      EventType = "Stopped"
)

type Event struct {
	Type EventType
	Tick uint64
	Data any
}
