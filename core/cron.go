package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// cronTask is one named, independently-ticking background job, the idiom
// this core borrows from dtn7-gold's Core.cron field rather than the
// teacher's (geistesk-dtn7 has no background scheduler of its own).
type cronTask struct {
	name     string
	interval time.Duration
	fn       func()
}

// Cron runs a fixed set of named periodic jobs, each on its own ticker, so
// a slow job (e.g. an ACS flush under load) never delays an unrelated one
// (e.g. expiring pending bundles). Jobs registered after Run has started
// are picked up on the next Run call only; Register before Start.
type Cron struct {
	mu    sync.Mutex
	tasks []cronTask
	done  chan struct{}
	log   *logrus.Logger
}

// NewCron creates an empty Cron.
func NewCron(log *logrus.Logger) *Cron {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cron{done: make(chan struct{}), log: log}
}

// Register adds a named periodic job.
func (cr *Cron) Register(name string, interval time.Duration, fn func()) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.tasks = append(cr.tasks, cronTask{name: name, interval: interval, fn: fn})
}

// Run starts one goroutine per registered task and blocks until Close is
// called. Callers typically invoke this via `go cron.Run()`.
func (cr *Cron) Run() {
	cr.mu.Lock()
	tasks := make([]cronTask, len(cr.tasks))
	copy(tasks, cr.tasks)
	cr.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for _, t := range tasks {
		go func(t cronTask) {
			defer wg.Done()

			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					cr.log.WithField("task", t.name).Debug("running cron task")
					t.fn()
				case <-cr.done:
					return
				}
			}
		}(t)
	}

	wg.Wait()
}

// Close stops every running task.
func (cr *Cron) Close() {
	close(cr.done)
}
