package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lotkeeper/internal/task/engine"
	"lotkeeper/internal/task/registry"
	logx "lotkeeper/pkg/logx"
)

const failureWarnEvery = 30 * time.Second

// failureReporter logs job failures at Warn, at most once per
// failureWarnEvery per job after the first few. The rest go to Debug.
type failureReporter struct {
	log logx.Logger

	mu  sync.Mutex
	per map[registry.Job]*rate.Sometimes
}

func (r *failureReporter) report(job registry.Job, trigger engine.Trigger, err error) {
	r.mu.Lock()
	if r.per == nil {
		r.per = make(map[registry.Job]*rate.Sometimes)
	}
	st := r.per[job]
	if st == nil {
		st = &rate.Sometimes{First: 3, Interval: failureWarnEvery}
		r.per[job] = st
	}
	r.mu.Unlock()

	warned := false
	st.Do(func() {
		warned = true
		r.log.Warn("task failed", logx.String("task", job.String()), logx.String("trigger", string(trigger)), logx.Err(err))
	})
	if !warned {
		r.log.Debug("task failed (throttled)", logx.String("task", job.String()), logx.Err(err))
	}
}
