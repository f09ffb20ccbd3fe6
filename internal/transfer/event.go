package transfer

import "time"

// EventType names a lifecycle callback.
type EventType string

const (
	EventPre      EventType = "pre"
	EventStart    EventType = "start"
	EventResume   EventType = "resume"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventStop     EventType = "stop"
	EventCancel   EventType = "cancel"
	EventFail     EventType = "fail"
)

// Event is a listener callback flattened into a value that can be queued or serialized.
type Event struct {
	Key       string    `json:"key"`
	Direction string    `json:"direction"`
	Type      EventType `json:"type"`
	Bytes     int64     `json:"bytes"`
	Size      int64     `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
	CanRetry  bool      `json:"can_retry,omitempty"`
	At        time.Time `json:"at"`
}

// Reporter accepts events. Implementations must not block the caller for long.
type Reporter interface {
	Report(Event)
}

// ChanReporter drops events when the channel is full so a slow consumer never stalls a transfer.
type ChanReporter chan Event

func (c ChanReporter) Report(e Event) {
	select {
	case c <- e:
	default:
	}
}

// EventListener turns callbacks for one task into events.
type EventListener struct {
	task     *Task
	reporter Reporter
	size     int64
}

// NewEventListener returns a Listener that reports events for task.
func NewEventListener(task *Task, reporter Reporter) *EventListener {
	return &EventListener{task: task, reporter: reporter, size: task.Resource.Size}
}

func (l *EventListener) emit(typ EventType, bytes int64, err error, canRetry bool) {
	e := Event{
		Key:       l.task.Key,
		Direction: l.task.Direction.String(),
		Type:      typ,
		Bytes:     bytes,
		Size:      l.size,
		CanRetry:  canRetry,
		At:        time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}

	l.reporter.Report(e)
}

func (l *EventListener) OnPre(size int64) {
	l.size = size
	l.emit(EventPre, 0, nil, false)
}

func (l *EventListener) OnStart(bytes int64)    { l.emit(EventStart, bytes, nil, false) }
func (l *EventListener) OnResume(bytes int64)   { l.emit(EventResume, bytes, nil, false) }
func (l *EventListener) OnProgress(bytes int64) { l.emit(EventProgress, bytes, nil, false) }
func (l *EventListener) OnComplete()            { l.emit(EventComplete, l.size, nil, false) }
func (l *EventListener) OnStop(bytes int64)     { l.emit(EventStop, bytes, nil, false) }
func (l *EventListener) OnCancel()              { l.emit(EventCancel, 0, nil, false) }

func (l *EventListener) OnFail(err error, canRetry bool) {
	l.emit(EventFail, 0, err, canRetry)
}
