package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/couriermq/courierd/internal/config"
	"github.com/couriermq/courierd/internal/dispatch"
)

// DispatchHandler runs the Dispatcher Worker contract for one queue entry
// per asynq task. The config snapshot is re-read on every task, not
// carried from enqueue time, so a config reload between "entry went due"
// and "task picked up by a worker goroutine" still takes effect.
type DispatchHandler struct {
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
}

// ProcessTask implements asynq.Handler.
func (h *DispatchHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p EmailDispatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: unmarshalling dispatch payload: %v", asynq.SkipRetry, err)
	}
	return h.Dispatcher.Dispatch(ctx, p.ID, h.Config.Snapshot())
}
