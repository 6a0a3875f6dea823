// Package cleanup removes depleted lots from the store.
package cleanup

import (
	"context"
	"fmt"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/storage"
	logx "lotkeeper/pkg/logx"
)

type Job struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
}

// New returns a cleanup job. bus may be nil.
func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Job{store: store, log: log.With(logx.String("comp", "cleanup")), bus: bus}
}

// Run deletes every lot whose remaining quantity is zero, together with its
// suggestion, and returns how many lots were removed.
func (j *Job) Run(ctx context.Context) (int, error) {
	n, err := j.store.DeleteDepletedLots(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete depleted lots: %w", err)
	}
	if n > 0 {
		j.log.Info("depleted lots removed", logx.Int("count", n))
	} else {
		j.log.Debug("no depleted lots")
	}
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Type: eventbus.TypeLotsCleaned, Data: n})
	}
	return n, nil
}
