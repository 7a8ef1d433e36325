package tickloop

import "time"

// Event types published on the bus given to WithBus.
const (
	EventLoopStarted   = "loop.started"
	EventLoopStopped   = "loop.stopped"
	EventTaskCompleted = "task.completed"
	EventTaskFaulted   = "task.faulted"
	EventTaskCancelled = "task.cancelled"
)

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Loop       string        `json:"loop"`
	State      string        `json:"state"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// LoopEvent is the payload of loop.* events.
type LoopEvent struct {
	Loop     string        `json:"loop"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	Drained  int           `json:"drained"`
}
