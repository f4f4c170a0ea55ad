package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fedtrain/internal/api"
	"fedtrain/internal/compute"
	"fedtrain/internal/device"
	"fedtrain/internal/storage"
	"fedtrain/internal/task/engine"
	"fedtrain/internal/task/scheduler"
	"fedtrain/internal/training/callback"
	"fedtrain/internal/training/housekeeping"
	"fedtrain/internal/training/policy"
	"fedtrain/internal/training/trainer"
	logx "fedtrain/pkg/logx"
)

// Runtime is Config resolved into the typed settings each component takes.
type Runtime struct {
	Logging       logx.Config
	Storage       storage.Config
	Engine        engine.Config
	Scheduler     scheduler.Config
	Policy        policy.Config
	Gate          device.GateConfig
	SysfsRoot     string
	Trainer       trainer.Config
	ProtocolURL   string
	ProtocolTO    time.Duration
	Compute       compute.ProcessConfig
	ExamplesDir   string
	CheckpointDir string
	Callback      callback.Config
	CallbackURL   string
	CallbackTok   string
	Housekeeping  housekeeping.Config
	HTTP          api.Config
}

// Resolve parses every duration and checks cross-field rules. All problems
// are reported together.
func (c *Config) Resolve() (Runtime, error) {
	var rt Runtime
	if c == nil {
		return rt, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	rt.Logging = logx.Config{
		Level:   strings.TrimSpace(c.Logging.Level),
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       strings.TrimSpace(c.Logging.File.Path),
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
			Compress:   c.Logging.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    c.Logging.Alert.Enabled,
			MinLevel:   strings.TrimSpace(c.Logging.Alert.MinLevel),
			RatePerSec: c.Logging.Alert.RatePerSec,
		},
	}
	if rt.Logging.File.Enabled && rt.Logging.File.Path == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	rt.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		DSN:         strings.TrimSpace(c.Storage.DSN),
		BusyTimeout: dur("storage.busy_timeout", c.Storage.BusyTimeout),
	}
	switch rt.Storage.Driver {
	case "", "memory":
	case "sqlite":
		if rt.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "mysql":
		if rt.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn: required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", rt.Storage.Driver))
	}

	rt.Engine = engine.Config{
		Workers:        c.TaskEngine.Workers,
		QueueSize:      c.TaskEngine.QueueSize,
		DefaultTimeout: dur("task_engine.default_timeout", c.TaskEngine.DefaultTimeout),
		MaxQueueDelay:  dur("task_engine.max_queue_delay", c.TaskEngine.MaxQueueDelay),
		HistorySize:    c.TaskEngine.HistorySize,
	}

	rt.Scheduler = scheduler.Config{
		Timezone:     strings.TrimSpace(c.Scheduler.Timezone),
		RunTimeout:   dur("scheduler.run_timeout", c.Scheduler.RunTimeout),
		RequeueDelay: dur("scheduler.requeue_delay", c.Scheduler.RequeueDelay),
	}
	if rt.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(rt.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	rt.Policy = policy.Config{
		SystemDefaultPeriod: dur("scheduling.system_default_period", c.Scheduling.SystemDefaultPeriod),
		ServerMaxInterval:   dur("scheduling.server_max_interval", c.Scheduling.ServerMaxInterval),
		MinInterval:         dur("scheduling.min_interval", c.Scheduling.MinInterval),
	}
	if rt.Policy.ServerMaxInterval > 0 && rt.Policy.MinInterval > rt.Policy.ServerMaxInterval {
		errs = append(errs, errors.New("scheduling.min_interval: must not exceed server_max_interval"))
	}
	if rt.Policy.SystemDefaultPeriod <= 0 {
		rt.Policy.SystemDefaultPeriod = policy.DefaultSystemPeriod
	}
	if rt.Policy.MinInterval <= 0 {
		rt.Policy.MinInterval = policy.DefaultMinInterval
		if limit := rt.Policy.ServerMaxInterval; limit > 0 && limit < rt.Policy.MinInterval {
			rt.Policy.MinInterval = limit
		}
	}

	cond := c.Trainer.Conditions
	if cond.MinBatteryPct < 0 || cond.MinBatteryPct > 100 {
		errs = append(errs, fmt.Errorf("trainer.conditions.min_battery_pct: %d out of range 0..100", cond.MinBatteryPct))
	}
	rt.Gate = device.GateConfig{
		MinBatteryPct: cond.MinBatteryPct,
		MaxThermalC:   cond.MaxThermalC,
		ProbeEvery:    dur("trainer.conditions.probe_every", cond.ProbeEvery),
	}
	rt.SysfsRoot = strings.TrimSpace(cond.SysfsRoot)
	rt.Trainer = trainer.Config{
		CheckinTimeout: dur("trainer.checkin_timeout", c.Trainer.CheckinTimeout),
		ReportTimeout:  dur("trainer.report_timeout", c.Trainer.ReportTimeout),
	}

	rt.ProtocolURL = strings.TrimSpace(c.Protocol.BaseURL)
	rt.ProtocolTO = dur("protocol.timeout", c.Protocol.Timeout)

	rt.Compute = compute.ProcessConfig{
		Command: c.Compute.Command,
		WorkDir: strings.TrimSpace(c.Compute.WorkDir),
		Timeout: dur("compute.timeout", c.Compute.Timeout),
	}
	if len(rt.Compute.Command) == 0 || strings.TrimSpace(rt.Compute.Command[0]) == "" {
		errs = append(errs, errors.New("compute.command: required"))
	}
	rt.ExamplesDir = strings.TrimSpace(c.Compute.ExamplesDir)
	if rt.ExamplesDir == "" {
		errs = append(errs, errors.New("compute.examples_dir: required"))
	}
	rt.CheckpointDir = strings.TrimSpace(c.Compute.CheckpointDir)
	if rt.CheckpointDir == "" {
		base := rt.Compute.WorkDir
		if base == "" {
			base = filepath.Join(os.TempDir(), "fedtrain")
		}
		rt.CheckpointDir = filepath.Join(base, "checkpoints")
	}

	rt.Callback = callback.Config{
		Workers:       c.Callback.Workers,
		QueueSize:     c.Callback.QueueSize,
		RatePerSec:    c.Callback.RatePerSec,
		RetryMax:      c.Callback.RetryMax,
		RetryBase:     dur("callback.retry_base", c.Callback.RetryBase),
		RetryMaxDelay: dur("callback.retry_max_delay", c.Callback.RetryMaxDelay),
		CallTimeout:   dur("callback.call_timeout", c.Callback.CallTimeout),
	}
	rt.CallbackURL = strings.TrimSpace(c.Callback.URL)
	rt.CallbackTok = strings.TrimSpace(c.Callback.Token)

	rt.Housekeeping = housekeeping.Config{
		Schedule:      strings.TrimSpace(c.Housekeeping.Schedule),
		HistoryTTL:    dur("housekeeping.history_ttl", c.Housekeeping.HistoryTTL),
		CheckpointTTL: dur("housekeeping.checkpoint_ttl", c.Housekeeping.CheckpointTTL),
		Timeout:       dur("housekeeping.timeout", c.Housekeeping.Timeout),
	}
	if err := checkSchedule(rt.Housekeeping.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("housekeeping.schedule: %w", err))
	}

	rt.HTTP = api.Config{
		Enabled:        c.HTTP.Enabled,
		Addr:           strings.TrimSpace(c.HTTP.Addr),
		Token:          strings.TrimSpace(c.HTTP.Token),
		AllowInsecure:  c.HTTP.AllowInsecure,
		Pprof:          c.HTTP.Pprof,
		ReadTimeout:    dur("http.read_timeout", c.HTTP.ReadTimeout),
		WriteTimeout:   dur("http.write_timeout", c.HTTP.WriteTimeout),
		IdleTimeout:    dur("http.idle_timeout", c.HTTP.IdleTimeout),
		RequestTimeout: dur("http.request_timeout", c.HTTP.RequestTimeout),
	}

	return rt, errors.Join(errs...)
}

func checkSchedule(s string) error {
	if s == "" {
		return nil
	}
	return scheduler.ValidateSchedule(s)
}
