// Package checkpoint runs the periodic flush task: on each tick, drive
// every slot's dirty pages and page index to disk via Store.CheckPoint.
//
// Grounded on spec.md §4.5/§9 (Checkpointer: a periodic task that calls
// check_point(wal)) and the teacher's cmd/server/main.go for the ambient
// stdlib log style a long-lived background task reports through.
package checkpoint

import (
	"context"
	"log"
	"time"

	"github.com/anselmo-ruiz/featurestore/storage"
	"github.com/anselmo-ruiz/featurestore/wal"
)

// Checkpointer ticks store.CheckPoint(w) at a fixed interval until its
// context is cancelled. One graceful-shutdown flush should still be run
// with RunOnce after Run returns, since the last tick and the cancellation
// can race.
type Checkpointer struct {
	Store    *storage.Store
	WAL      *wal.WAL
	Interval time.Duration
}

// New builds a Checkpointer. interval is the period between flushes;
// callers typically pick something on the order of seconds (spec.md
// leaves the exact cadence to deployment, naming only that it's
// periodic).
func New(store *storage.Store, w *wal.WAL, interval time.Duration) *Checkpointer {
	return &Checkpointer{Store: store, WAL: w, Interval: interval}
}

// Run ticks RunOnce every c.Interval until ctx is cancelled. A failed
// checkpoint is logged and the loop continues — a transient write error
// on one tick shouldn't stop future ticks from retrying.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(); err != nil {
				log.Printf("checkpoint: %v", err)
			}
		}
	}
}

// RunOnce flushes every slot's dirty pages and page index once. Exported
// so callers can invoke it directly on graceful shutdown, in addition to
// Run's periodic ticks.
func (c *Checkpointer) RunOnce() error {
	return c.Store.CheckPoint(c.WAL)
}
