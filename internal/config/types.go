package config

import "time"

// Config is the complete buildtap configuration.
type Config struct {
	Service   ServiceConfig          `yaml:"service"`
	Server    ServerConfig           `yaml:"server"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Handlers  map[string]HandlerConf `yaml:"handlers"`
	Results   ResultsConfig          `yaml:"results"`
	API       APIConfig              `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig points at the export server.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	// Since is the feed start marker: "now" or an absolute instant in
	// epoch milliseconds.
	Since string `yaml:"since"`
}

// SchedulerConfig bounds concurrent build processing.
type SchedulerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxPending bounds the FIFO queue; 0 keeps it unbounded.
	MaxPending int `yaml:"max_pending"`
	// Overflow is "drop_new" or "drop_old".
	Overflow string `yaml:"overflow"`
}

// HandlerConf enables and configures one handler variant.
type HandlerConf struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// ResultsConfig defines result storage settings.
type ResultsConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines the status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "buildtap",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Since: "now",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			MaxPending:    0,
			Overflow:      "drop_new",
		},
		Handlers: map[string]HandlerConf{
			"build_duration":  {Enabled: true},
			"cacheable_tasks": {Enabled: true},
		},
		Results: ResultsConfig{
			Path:      "./data/results.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8484",
		},
	}
}
