package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Gate      GateConfig      `json:"gate,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Stats     StatsConfig     `json:"stats,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may issue the administrative commands
	// (/status, /set_sub, /broadcast, ...). Hot-reloadable.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gatebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// GateConfig controls the user-facing gate cards. Image URLs are optional;
// without them the cards are plain text.
type GateConfig struct {
	WelcomeImage string `json:"welcome_image,omitempty"`
	GateImage    string `json:"gate_image,omitempty"`
}

// BroadcastConfig tunes the fan-out dispatcher.
//
// All durations are Go duration strings (e.g. "100ms", "10s").
// Zero values fall back to defaults (batch 100, pause 100ms, send 10s).
type BroadcastConfig struct {
	BatchSize   int    `json:"batch_size,omitempty"`
	MaxInFlight int    `json:"max_in_flight,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	BatchPause  string `json:"batch_pause,omitempty"`
}

// StatsConfig controls the scheduled stats snapshot (logged totals).
type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 0 * * *"
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}
