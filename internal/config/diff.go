package config

import (
	"reflect"

	logx "taskd/pkg/logx"
)

// Sections that take effect without a restart.
const (
	SectionLogging   = "logging"
	SectionScheduler = "scheduler"
	SectionNotifier  = "notifier"
)

// SummarizeChange lists the top-level sections that differ and returns
// log fields describing them. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, SectionScheduler)
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, SectionNotifier)
		fields = append(fields,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.String("notifier.driver", newCfg.Notifier.Driver),
			logx.Bool("notifier.telegram_token_set", newCfg.Notifier.Telegram.Token != ""),
		)
	}
	for name, diff := range map[string]bool{
		"storage":  !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		"engine":   !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine),
		"executor": !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor),
		"api":      !reflect.DeepEqual(oldCfg.API, newCfg.API),
		"auth":     !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth),
		"metrics":  !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics),
	} {
		if diff {
			changed = append(changed, name)
		}
	}
	return changed, fields
}

// RequiresRestart reports whether any changed section is only read at startup.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case SectionLogging, SectionScheduler, SectionNotifier:
		default:
			return true
		}
	}
	return false
}
