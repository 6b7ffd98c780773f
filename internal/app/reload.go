package app

import (
	"context"
	"strings"
	"time"

	"taskd/internal/config"
	logx "taskd/pkg/logx"
)

// reloadLoop applies hot-reloadable sections from published configs.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, applied, next)
			applied = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if config.RequiresRestart(changed) {
		a.log.Warn("config sections changed that only apply after restart", logx.String("changed", strings.Join(changed, ",")))
	}

	for _, section := range changed {
		switch section {
		case config.SectionLogging:
			a.logs.Apply(mapLogging(next))
		case config.SectionScheduler:
			a.applyScheduler(ctx, next)
		case config.SectionNotifier:
			if err := a.notif.Apply(mapNotifier(next)); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			}
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

func (a *App) applyScheduler(ctx context.Context, next *config.Config) {
	sc, err := mapScheduler(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(sc)
	switch {
	case wasEnabled && !sc.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.table.Clear()
		a.log.Info("scheduler disabled via config")
	case !wasEnabled && sc.Enabled:
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
			return
		}
		a.log.Info("scheduler enabled via config")
	}
}
