package app

import (
	"context"
	"strings"

	"macrosched/internal/config"
	logx "macrosched/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					return
				}
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(last, next)
		last = next
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		if wasEnabled != sc.Enabled {
			a.log.Info("scheduler toggled via config", logx.Bool("enabled", sc.Enabled))
		}
	}

	if cc, err := mapCoordinatorConfig(next); err != nil {
		a.log.Warn("invalid coordinator config; keeping previous", logx.Err(err))
	} else {
		a.coord.Apply(cc)
	}

	a.keeper.SetEnabled(next.Power.PreventSleep)

	a.log.Info("config reloaded", changed)
}
