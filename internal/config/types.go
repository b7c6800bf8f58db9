package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Leitner   LeitnerConfig   `json:"leitner,omitempty"`
	Board     BoardConfig     `json:"board,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the job scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "720h").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the default zone for jobs without an explicit one.
	// Empty means host local.
	Timezone string `json:"timezone,omitempty"`

	// CatchUpWindow bounds how far back the startup catch-up pass looks
	// for a missed occurrence. Empty means the built-in default.
	CatchUpWindow string `json:"catch_up_window,omitempty"`
}

// LeitnerConfig overrides the defaults new per-user systems start with.
// Zero fields keep the built-in defaults.
type LeitnerConfig struct {
	DefaultDailyLimit   int   `json:"default_daily_limit,omitempty"`
	DefaultTotalBoxes   int   `json:"default_total_boxes,omitempty"`
	DefaultIntervals    []int `json:"default_intervals,omitempty"`
	DefaultQuotas       []int `json:"default_quotas,omitempty"`
	DefaultReviewHour   *int  `json:"default_review_hour,omitempty"`
	DefaultIntervalDays int   `json:"default_interval_days,omitempty"`
}

// BoardConfig tunes toast delivery.
type BoardConfig struct {
	// ToastEvery is the per-user steady rate, one toast per this duration.
	// Empty means the built-in default.
	ToastEvery string `json:"toast_every,omitempty"`
	ToastBurst int    `json:"toast_burst,omitempty"`
}
