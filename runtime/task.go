package runtime

import "context"

// stepTask runs one step negotiation in the background. It is joined
// exactly once.
type stepTask struct {
	done chan struct{}
	err  error
}

func startTask(ctx context.Context, fn func(context.Context) error) *stepTask {
	t := &stepTask{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn(ctx)
	}()
	return t
}

// join waits for the task. done is false when ctx ended first; the task is
// then still running and must be joined again.
func (t *stepTask) join(ctx context.Context) (done bool, err error) {
	select {
	case <-t.done:
		return true, t.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
