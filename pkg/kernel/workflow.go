package kernel

import (
	"context"
	"sync"
	"time"
)

// Workflow is the fire-and-forget workflow/subscription broadcaster the
// kernel notifies after a successful mutation (spec.md §4.8). Every call
// runs on a tracked background goroutine with a default 30s timeout; the
// write path never waits on it.
type Workflow interface {
	Notify(ctx context.Context, event string, payload map[string]interface{}) error
}

// NopWorkflow implements Workflow with no-ops.
type NopWorkflow struct{}

func (NopWorkflow) Notify(ctx context.Context, event string, payload map[string]interface{}) error {
	return nil
}

const fireAndForgetTimeout = 30 * time.Second

// taskTracker tracks in-flight fire-and-forget goroutines (workflow
// notifications, the auto-parse background path) so Shutdown can wait for
// them to drain instead of leaking goroutines past process exit.
type taskTracker struct {
	wg sync.WaitGroup
}

func (t *taskTracker) spawn(name string, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), fireAndForgetTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (t *taskTracker) wait() {
	t.wg.Wait()
}

// fireWorkflow spawns a tracked goroutine that notifies the workflow engine
// and logs (without propagating) any failure or timeout.
func (k *Kernel) fireWorkflow(event string, payload map[string]interface{}) {
	k.tasks.spawn("workflow-"+event, func(ctx context.Context) {
		if err := k.workflow.Notify(ctx, event, payload); err != nil {
			logger.Build().Str("event", event).Str("error", err.Error()).Msg(context.Background(), "workflow notify failed")
		}
	})
}
