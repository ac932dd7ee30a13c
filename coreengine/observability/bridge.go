package observability

import (
	"context"

	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

// BindEventMetrics subscribes metric recorders to the engine event lane, so
// components that publish events do not record these series themselves.
// Returns an unsubscribe function.
func BindEventMetrics(bus events.Bus) func() {
	unsubscribes := []func(){
		bus.Subscribe(events.TypeJobDequeued, func(ctx context.Context, event events.Event) error {
			if dequeued, ok := event.(*events.JobDequeued); ok {
				RecordJobDequeued(envFromKey(dequeued.Key))
			}
			return nil
		}),
		bus.Subscribe(events.TypeTrajectoryCompleted, func(ctx context.Context, event events.Event) error {
			if completed, ok := event.(*events.TrajectoryCompleted); ok {
				RecordTrajectory(completed.EnvName, "success", completed.Turns, completed.DurationMS)
			}
			return nil
		}),
		bus.Subscribe(events.TypeTrajectoryFailed, func(ctx context.Context, event events.Event) error {
			if failed, ok := event.(*events.TrajectoryFailed); ok {
				RecordTrajectory(failed.EnvName, "error", 0, 0)
			}
			return nil
		}),
		bus.Subscribe(events.TypeBudgetExhausted, func(ctx context.Context, event events.Event) error {
			if exhausted, ok := event.(*events.BudgetExhausted); ok {
				RecordBudgetWait(exhausted.Budget, exhausted.WaitMS)
			}
			return nil
		}),
	}

	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}

// envFromKey strips the subenv suffix from a queue key ("env_3" -> "env").
// Keys without a suffix are returned unchanged.
func envFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '_' {
			return key[:i]
		}
	}
	return key
}
