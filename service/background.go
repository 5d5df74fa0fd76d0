package service

import (
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
)

// TaskTracker runs background writes on the shared pool while keeping an
// explicit handle on them: callers that need the write can wait, shutdown
// and tests can drain everything instead of racing fire-and-forget
// goroutines.
type TaskTracker struct {
	wg sync.WaitGroup
}

func NewTaskTracker() *TaskTracker {
	return &TaskTracker{}
}

// Go schedules fn on the pool and tracks it until completion.
func (t *TaskTracker) Go(fn func()) {
	t.wg.Add(1)
	gopool.Go(func() {
		defer t.wg.Done()
		fn()
	})
}

// Drain blocks until every tracked task has finished.
func (t *TaskTracker) Drain() {
	t.wg.Wait()
}
