package config

import "time"

// Config represents the complete cmdrelay configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Relay    RelayConfig    `yaml:"relay"`
	Listener ListenerConfig `yaml:"listener"`
	Host     HostConfig     `yaml:"host"`
	Telegram TelegramConfig `yaml:"telegram"`
	Audit    AuditConfig    `yaml:"audit"`

	// Path is the file the configuration was read from.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// RelayConfig controls how commands are admitted and output leaves.
type RelayConfig struct {
	Mode            string        `yaml:"mode"`
	ForwardInterval time.Duration `yaml:"forward_interval"`
	ChunkLines      int           `yaml:"chunk_lines"`
	// Deny lists command prefixes refused by the gate. An explicit empty
	// list disables the gate.
	Deny        []string `yaml:"deny"`
	InputPrefix string   `yaml:"input_prefix"`
}

// ListenerConfig defines where and how transports run.
type ListenerConfig struct {
	Isolation     string        `yaml:"isolation"`
	Listen        string        `yaml:"listen"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	StatusTimeout time.Duration `yaml:"status_timeout"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	// Command overrides the child argv in process isolation.
	Command []string `yaml:"command,omitempty"`
}

// HostConfig describes the host program that executes commands.
type HostConfig struct {
	Command []string      `yaml:"command"`
	Stdin   bool          `yaml:"stdin"`
	Timeout time.Duration `yaml:"timeout"`
	Workdir string        `yaml:"workdir"`
	Env     []string      `yaml:"env,omitempty"`
}

// TelegramConfig enables the chat transport.
type TelegramConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Token     string  `yaml:"token"`
	ChatIDs   []int64 `yaml:"chat_ids"`
	AllowFrom []int64 `yaml:"allow_from"`
}

// AuditConfig enables the command journal. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
	// Retention prunes entries older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// Isolation values.
const (
	IsolationTask    = "task"
	IsolationProcess = "process"
)

// Defaults returns a configuration with every field populated.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cmdrelay",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/cmdrelay.pid",
		},
		Relay: RelayConfig{
			Mode:            "pull",
			ForwardInterval: time.Second,
			Deny:            []string{"connect", "create", "import", "export"},
			InputPrefix:     "[Input] ",
		},
		Listener: ListenerConfig{
			Isolation:     IsolationTask,
			Listen:        "127.0.0.1:8080",
			DrainTimeout:  30 * time.Second,
			StatusTimeout: 30 * time.Second,
			StartTimeout:  10 * time.Second,
		},
		Host: HostConfig{
			Timeout: 60 * time.Second,
		},
	}
}
