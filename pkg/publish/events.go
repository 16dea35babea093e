package publish

import (
	"sync"
	"time"
)

// EventType tags a progress event.
type EventType int

const (
	EventPending EventType = iota
	EventUploaded
	EventFailed
	EventStageChanged
	EventCompleted
)

var eventTypeNames = [...]string{
	EventPending:      "Pending",
	EventUploaded:     "Uploaded",
	EventFailed:       "Failed",
	EventStageChanged: "StageChanged",
	EventCompleted:    "Completed",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "Unknown"
}

// Event is one progress notification. Which fields are set depends on Type:
//
//	Pending       Path
//	Uploaded      Path, Object
//	Failed        Path, Reason, Err
//	StageChanged  Stage
//	Completed     Result
type Event struct {
	// Seq increases by one per event within a publish, starting at 1.
	Seq       int
	PublishID string
	Target    BranchRef
	Type      EventType
	Time      time.Time

	Path   string
	Object ObjectID
	Reason string
	Err    *Error
	Stage  Stage
	Result *Result
}

// Listener receives progress events. Calls for one publish are made in Seq
// order and never concurrently, so a listener needs no locking of its own
// unless it is shared between publishes.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// emitter stamps and delivers the events of a single publish.
type emitter struct {
	mu        sync.Mutex
	seq       int
	id        string
	target    BranchRef
	listeners []Listener
	now       func() time.Time
}

func (em *emitter) emit(e Event) {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.seq++
	e.Seq = em.seq
	e.PublishID = em.id
	e.Target = em.target
	e.Time = em.now()
	for _, l := range em.listeners {
		l.OnEvent(e)
	}
}

func (em *emitter) pending(path string) {
	em.emit(Event{Type: EventPending, Path: path})
}

func (em *emitter) uploaded(path string, id ObjectID) {
	em.emit(Event{Type: EventUploaded, Path: path, Object: id})
}

func (em *emitter) failed(path string, err *Error) {
	em.emit(Event{Type: EventFailed, Path: path, Reason: err.Kind.String(), Err: err})
}

func (em *emitter) stage(s Stage) {
	em.emit(Event{Type: EventStageChanged, Stage: s})
}

func (em *emitter) completed(r *Result) {
	em.emit(Event{Type: EventCompleted, Stage: r.Stage, Result: r})
}
