package ingest

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dnbwatch/pkg/logx"
)

// settle is how long the directory must stay quiet after an event before a
// scan starts, so a file still being uploaded is not read half-written.
const settle = 2 * time.Second

// Watch scans once, then again whenever the input directory settles after
// a change and on every Interval tick, until ctx is done. Without a
// working fsnotify watcher it falls back to the interval sweep alone.
func (i *Ingester) Watch(ctx context.Context, onScan func(Result, error)) error {
	if onScan == nil {
		onScan = func(Result, error) {}
	}
	scan := func() {
		res, err := i.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			i.log.Error("ingest sweep failed", logx.Err(err))
		}
		onScan(res, err)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		i.log.Warn("ingest watcher unavailable; sweeping on interval only", logx.Err(err))
	} else {
		defer w.Close()
		if err := w.Add(i.cfg.Path); err != nil {
			i.log.Warn("ingest watch add failed; sweeping on interval only", logx.String("dir", i.cfg.Path), logx.Err(err))
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	scan()
	tick := time.NewTicker(i.cfg.Interval)
	defer tick.Stop()
	quiet := time.NewTimer(settle)
	quiet.Stop()
	defer quiet.Stop()

	const ops = fsnotify.Create | fsnotify.Write | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			scan()
		case <-quiet.C:
			scan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&ops != 0 {
				quiet.Reset(settle)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.log.Warn("ingest watch error", logx.Err(err))
		}
	}
}
