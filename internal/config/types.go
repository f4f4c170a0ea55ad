package config

// Config is the daemon configuration file. All durations are Go duration
// strings ("500ms", "10s", "1h"); empty means the component default.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	TaskEngine   TaskEngineConfig   `json:"task_engine"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Scheduling   SchedulingConfig   `json:"scheduling"`
	Trainer      TrainerConfig      `json:"trainer"`
	Protocol     ProtocolConfig     `json:"protocol"`
	Compute      ComputeConfig      `json:"compute"`
	Callback     CallbackConfig     `json:"callback"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	HTTP         HTTPConfig         `json:"http"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert copies warn+ lines to stderr at a bounded rate.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fedtrain.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite | mysql
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // mysql; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TaskEngineConfig sizes the worker pool that executes training runs.
//
// Defaults: workers 2, queue_size 64, history_size 200, no timeouts.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`

	// RunTimeout bounds one training run.
	RunTimeout string `json:"run_timeout,omitempty"`

	// RequeueDelay is the wait before re-arming a wake-up the engine could not queue.
	RequeueDelay string `json:"requeue_delay,omitempty"`
}

// SchedulingConfig bounds computed intervals. A zero server_max_interval
// disables the cap.
type SchedulingConfig struct {
	SystemDefaultPeriod string `json:"system_default_period,omitempty"`
	ServerMaxInterval   string `json:"server_max_interval,omitempty"`
	MinInterval         string `json:"min_interval,omitempty"`
}

type TrainerConfig struct {
	Conditions     ConditionsConfig `json:"conditions"`
	CheckinTimeout string           `json:"checkin_timeout,omitempty"`
	ReportTimeout  string           `json:"report_timeout,omitempty"`
}

type ConditionsConfig struct {
	MinBatteryPct int     `json:"min_battery_pct,omitempty"`
	MaxThermalC   float64 `json:"max_thermal_c,omitempty"`
	ProbeEvery    string  `json:"probe_every,omitempty"`

	// SysfsRoot lets tests and containers point probes elsewhere.
	SysfsRoot string `json:"sysfs_root,omitempty"`
}

type ProtocolConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type ComputeConfig struct {
	Command     []string `json:"command"`
	WorkDir     string   `json:"work_dir,omitempty"`
	ExamplesDir string   `json:"examples_dir"`
	Timeout     string   `json:"timeout,omitempty"`

	// CheckpointDir keeps reported checkpoints after the sandbox is removed.
	// Defaults to <work_dir>/checkpoints.
	CheckpointDir string `json:"checkpoint_dir,omitempty"`
}

// CallbackConfig drives the best-effort result callback. An empty url
// disables delivery.
type CallbackConfig struct {
	URL           string `json:"url,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`
}

type HousekeepingConfig struct {
	// Schedule is a cron expression or interval ("every:1h", "30m").
	Schedule      string `json:"schedule,omitempty"`
	HistoryTTL    string `json:"history_ttl,omitempty"`
	CheckpointTTL string `json:"checkpoint_ttl,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// HTTPConfig controls the API listener.
//
// Prefer a loopback addr; a non-loopback addr needs token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`

	// RequestTimeout bounds one API request.
	RequestTimeout string `json:"request_timeout,omitempty"`
}
