package process

import (
	"context"
	"fmt"
)

// TaskID identifies a schedulable task
type TaskID uint32

const (
	// TaskNone is the zero task id
	TaskNone TaskID = 0
	// TaskKernelMain is the task that owns every process slot
	TaskKernelMain TaskID = 1
)

type executorKey struct{}

// WithExecutor tags ctx with the task that is running the code
func WithExecutor(ctx context.Context, task TaskID) context.Context {
	return context.WithValue(ctx, executorKey{}, task)
}

// Executor returns the task ctx was tagged with
func Executor(ctx context.Context) (TaskID, bool) {
	task, ok := ctx.Value(executorKey{}).(TaskID)
	return task, ok
}

// AssertExecutor panics unless ctx is running on owner. Process slots, the
// staged next app and the navigation root are only mutated by kernel main.
func AssertExecutor(ctx context.Context, owner TaskID) {
	task, ok := Executor(ctx)
	if !ok || task != owner {
		panic(fmt.Sprintf("process: called from task %d, must run on task %d", task, owner))
	}
}
