package config

import "time"

// Config is the top-level YAML structure. Every field can be overridden by
// the BRIDGE_* environment variable named in its env tag.
type Config struct {
	Version   string        `yaml:"version" env:"BRIDGE_VERSION"`
	Store     StoreConf     `yaml:"store"`
	Simulator SimulatorConf `yaml:"simulator"`
	Processor ProcessorConf `yaml:"processor"`
	Delivery  DeliveryConf  `yaml:"delivery"`
	Notify    NotifyConf    `yaml:"notify"`
	API       APIConf       `yaml:"api"`
}

// StoreConf locates the event database.
type StoreConf struct {
	Path      string `yaml:"path" env:"BRIDGE_STORE_PATH"`
	MaxErrors int    `yaml:"max_errors" env:"BRIDGE_STORE_MAX_ERRORS"`
}

// SimulatorConf controls the stand-in partner.
type SimulatorConf struct {
	Enabled       bool          `yaml:"enabled" env:"BRIDGE_SIMULATOR_ENABLED"`
	CheckInterval time.Duration `yaml:"check_interval" env:"BRIDGE_SIMULATOR_CHECK_INTERVAL"`
	ResponseDelay time.Duration `yaml:"response_delay" env:"BRIDGE_SIMULATOR_RESPONSE_DELAY"`
}

// ProcessorConf controls result processing.
type ProcessorConf struct {
	Enabled       bool          `yaml:"enabled" env:"BRIDGE_PROCESSOR_ENABLED"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"BRIDGE_PROCESSOR_POLL_INTERVAL"`
	FlagThreshold int           `yaml:"flag_threshold" env:"BRIDGE_PROCESSOR_FLAG_THRESHOLD"`
}

// DeliveryConf controls on-screen delivery.
type DeliveryConf struct {
	Enabled      bool          `yaml:"enabled" env:"BRIDGE_DELIVERY_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"BRIDGE_DELIVERY_POLL_INTERVAL"`
	MinGap       time.Duration `yaml:"min_gap" env:"BRIDGE_DELIVERY_MIN_GAP"`
	Actuator     string        `yaml:"actuator" env:"BRIDGE_DELIVERY_ACTUATOR"`
	ScriptPath   string        `yaml:"script_path" env:"BRIDGE_DELIVERY_SCRIPT_PATH"`
}

// NotifyConf sizes the result notification pool.
type NotifyConf struct {
	Workers    int `yaml:"workers" env:"BRIDGE_NOTIFY_WORKERS"`
	QueueDepth int `yaml:"queue_depth" env:"BRIDGE_NOTIFY_QUEUE_DEPTH"`
}

// APIConf configures the operations HTTP server.
type APIConf struct {
	Addr string `yaml:"addr" env:"BRIDGE_API_ADDR"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() Config {
	return Config{
		Version: "v1",
		Store: StoreConf{
			Path:      "data/events.sqlite",
			MaxErrors: 4,
		},
		Simulator: SimulatorConf{
			Enabled:       true,
			CheckInterval: 5 * time.Second,
			ResponseDelay: 30 * time.Second,
		},
		Processor: ProcessorConf{
			Enabled:       true,
			PollInterval:  10 * time.Second,
			FlagThreshold: 10,
		},
		Delivery: DeliveryConf{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			MinGap:       2 * time.Second,
			Actuator:     "log",
		},
		Notify: NotifyConf{
			Workers:    2,
			QueueDepth: 256,
		},
		API: APIConf{
			Addr: ":8080",
		},
	}
}
