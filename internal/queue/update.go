package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/scheduler"
)

// UpdateMsg asks for a graph update, e.g. {"mode":"full"}.
type UpdateMsg struct {
	Mode        string `json:"mode"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Runner is the part of the scheduler an update message drives.
type Runner interface {
	Run(ctx context.Context, mode scheduler.Mode) (scheduler.RunReport, error)
}

// UpdateHandler runs an update for every update_queue message. A message
// arriving while a run is active is acknowledged without a second run.
func UpdateHandler(r Runner) Handler {
	return func(ctx context.Context, body []byte) error {
		var msg UpdateMsg
		if len(body) > 0 {
			if err := json.Unmarshal(body, &msg); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
		mode, err := scheduler.ParseMode(msg.Mode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}

		report, err := r.Run(ctx, mode)
		if err != nil {
			return fmt.Errorf("update run %s failed: %w", report.RunID, err)
		}
		if report.AlreadyRunning {
			logger.Info("[Queue] Update already running", "run_id", report.RunID, "requested_by", msg.RequestedBy)
		}
		return nil
	}
}

// RequestUpdate publishes an update message.
func RequestUpdate(ch Publisher, mode scheduler.Mode, requestedBy string) error {
	data, err := json.Marshal(UpdateMsg{Mode: string(mode), RequestedBy: requestedBy})
	if err != nil {
		return err
	}
	return PublishFIFO(ch, UpdateQueue, data)
}

// GraphNotifier publishes scheduler updates on the graph.updated topic so
// downstream caches can drop what they hold.
type GraphNotifier struct {
	mu sync.Mutex
	ch Publisher
}

func NewGraphNotifier(ch Publisher) *GraphNotifier {
	return &GraphNotifier{ch: ch}
}

func (n *GraphNotifier) GraphUpdated(ctx context.Context, update scheduler.GraphUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	// channels are not safe for concurrent publishing
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := PublishTopic(n.ch, GraphUpdatedTopic, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", GraphUpdatedTopic, err)
	}
	logger.Debug("[Queue] Published graph update", "run_id", update.RunID, "documents", len(update.Documents))
	return nil
}
