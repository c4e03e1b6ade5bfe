package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskEmailDispatch is the sole task type courierd enqueues: "this queue
// entry is due, go run the dispatcher worker contract for it now."
const TaskEmailDispatch = "email:dispatch"

// Queue names and their intended priority weights, passed to the asynq
// server's weighted round-robin scheduler.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// EmailDispatchPayload names the queue entry a dispatch task runs against.
// The config snapshot it dispatches with is read fresh by the handler
// rather than carried in the payload, per spec §4.I.
type EmailDispatchPayload struct {
	ID string `json:"id"`
}

// NewEmailDispatchTask builds the asynq task enqueued once per due entry.
// MaxRetry is 0: a failed dispatch is rescheduled by courierd's own retry
// scheduler at the next poll tick, not by asynq's built-in redelivery,
// which would otherwise race the poll cycle's own bookkeeping.
func NewEmailDispatchTask(id string) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailDispatchPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEmailDispatch, payload, asynq.Queue(QueueCritical), asynq.MaxRetry(0)), nil
}
