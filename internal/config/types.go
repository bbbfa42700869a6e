package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Locale   LocaleConfig   `json:"locale"`

	// Wire is the websocket endpoint game clients connect to. If omitted,
	// only the telegram family runs.
	Wire   *WireConfig  `json:"wire,omitempty"`
	Bridge BridgeConfig `json:"bridge"`

	Outbox   *OutboxConfig  `json:"outbox,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Announce AnnounceConfig `json:"announce"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives mirrored warnings when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LocaleConfig selects the translation catalog.
//
// Example:
//
//	"locale": { "default": "en", "catalog": "./lang.yaml" }
type LocaleConfig struct {
	Default string `json:"default"`
	Catalog string `json:"catalog,omitempty"`
}

// WireConfig controls the websocket server for game clients.
//
// Defaults (when fields are omitted/zero):
//   - addr: "127.0.0.1:25580"
//   - path: "/ws"
//   - native_protocol: 2
//   - write_timeout: "5s"
//   - ping_interval: "20s"
//   - send_queue: 256
//   - read_limit: 65536
type WireConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr,omitempty"`
	Path           string `json:"path,omitempty"`
	NativeProtocol int    `json:"native_protocol,omitempty"`
	// Token, when set, must be presented as a bearer token on connect.
	Token        string `json:"token,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
	SendQueue    int    `json:"send_queue,omitempty"`
	ReadLimit    int64  `json:"read_limit,omitempty"`
}

// BridgeConfig controls the protocol bridge that serves newer clients with
// features the native protocol lacks. Toggling it rebinds every connected
// wire receiver.
type BridgeConfig struct {
	Enabled bool `json:"enabled"`
	// Protocol is the client protocol the bridge speaks (default 3).
	Protocol int `json:"protocol,omitempty"`
}

// OutboxConfig controls the async telegram delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the outbox defaults to enabled=true.
type OutboxConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AnnounceConfig lists scheduled broadcasts.
type AnnounceConfig struct {
	Enabled  bool           `json:"enabled"`
	Timezone string         `json:"timezone,omitempty"`
	Items    []Announcement `json:"items,omitempty"`
}

// Announcement is one scheduled broadcast.
//
// Schedule accepts a 5-field cron spec, a descriptor such as "@hourly", or
// an interval such as "every 10m".
//
// Kind values:
//   - "chat" (default), "action_bar", "title": send Message once
//   - "countdown": show a boss bar titled Message that drains over Duration
type Announcement struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Kind     string   `json:"kind,omitempty"`
	Message  string   `json:"message"`
	Subtitle string   `json:"subtitle,omitempty"`
	Args     []string `json:"args,omitempty"`
	// Translate treats Message and Subtitle as catalog keys.
	Translate bool     `json:"translate,omitempty"`
	Color     string   `json:"color,omitempty"`
	Duration  string   `json:"duration,omitempty"`
	BarColor  string   `json:"bar_color,omitempty"`
	Overlay   string   `json:"overlay,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	Sound     string   `json:"sound,omitempty"`
	// Families restricts delivery ("wire", "telegram"); empty means all.
	Families []string `json:"families,omitempty"`
}
