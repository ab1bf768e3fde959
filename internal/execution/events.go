package execution

import "time"

// Event types published during a run.
const (
	EventRunStarted   = "run_started"
	EventTaskStarted  = "task_started"
	EventTaskSettled  = "task_settled"
	EventRunCompleted = "run_completed"
	// EventReportReady follows run_completed once the report is stored.
	EventReportReady = "report_ready"
)

// Event is a progress notification for one run.
type Event struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Index     int                    `json:"index"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// EventSink receives run events. Publish must not block.
type EventSink interface {
	Publish(evt Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
