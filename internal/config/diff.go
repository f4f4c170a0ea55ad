package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fedtrain/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two snapshots
// plus fields safe to log. Tokens and DSNs are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.String("task_engine.max_queue_delay", newCfg.TaskEngine.MaxQueueDelay),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.run_timeout", newCfg.Scheduler.RunTimeout),
		)
	}

	if oldCfg.Scheduling != newCfg.Scheduling {
		changed = append(changed, "scheduling")
		attrs = append(attrs,
			logx.String("scheduling.system_default_period", newCfg.Scheduling.SystemDefaultPeriod),
			logx.String("scheduling.server_max_interval", newCfg.Scheduling.ServerMaxInterval),
			logx.String("scheduling.min_interval", newCfg.Scheduling.MinInterval),
		)
	}

	if oldCfg.Trainer != newCfg.Trainer {
		changed = append(changed, "trainer")
		attrs = append(attrs,
			logx.Int("trainer.min_battery_pct", newCfg.Trainer.Conditions.MinBatteryPct),
			logx.Any("trainer.max_thermal_c", newCfg.Trainer.Conditions.MaxThermalC),
		)
	}

	if oldCfg.Protocol != newCfg.Protocol {
		changed = append(changed, "protocol")
		attrs = append(attrs, logx.String("protocol.base_url", newCfg.Protocol.BaseURL))
	}

	if !reflect.DeepEqual(oldCfg.Compute, newCfg.Compute) {
		changed = append(changed, "compute")
		attrs = append(attrs,
			logx.Int("compute.argc", len(newCfg.Compute.Command)),
			logx.String("compute.examples_dir", newCfg.Compute.ExamplesDir),
		)
	}

	if oldCfg.Callback != newCfg.Callback {
		changed = append(changed, "callback")
		attrs = append(attrs,
			logx.Bool("callback.url_set", strings.TrimSpace(newCfg.Callback.URL) != ""),
			logx.Bool("callback.token_set", strings.TrimSpace(newCfg.Callback.Token) != ""),
			logx.Int("callback.workers", newCfg.Callback.Workers),
			logx.Int("callback.rate_per_sec", newCfg.Callback.RatePerSec),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
			logx.String("housekeeping.history_ttl", newCfg.Housekeeping.HistoryTTL),
			logx.String("housekeeping.checkpoint_ttl", newCfg.Housekeeping.CheckpointTTL),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return out
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.TaskEngine.Workers != newCfg.TaskEngine.Workers || oldCfg.TaskEngine.QueueSize != newCfg.TaskEngine.QueueSize {
		out = append(out, "task_engine")
	}
	if oldCfg.Protocol != newCfg.Protocol {
		out = append(out, "protocol")
	}
	if !reflect.DeepEqual(oldCfg.Compute, newCfg.Compute) {
		out = append(out, "compute")
	}
	if oldCfg.Callback.URL != newCfg.Callback.URL || oldCfg.Callback.Token != newCfg.Callback.Token {
		out = append(out, "callback")
	}
	if oldCfg.Trainer.Conditions.SysfsRoot != newCfg.Trainer.Conditions.SysfsRoot {
		out = append(out, "trainer")
	}
	return out
}
