package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// WorkerConfig controls how the recognition worker process is spawned,
// called, and restarted.
type WorkerConfig struct {
	Command          string `yaml:"command"`
	StartupTimeout   int    `yaml:"startup_timeout_ms"`
	ShortCallTimeout int    `yaml:"short_call_timeout_ms"`
	LongCallTimeout  int    `yaml:"long_call_timeout_ms"`
	LogRingLines     int    `yaml:"log_ring_lines"`
	RestartInitial   int    `yaml:"restart_initial_ms"`
	RestartMax       int    `yaml:"restart_max_ms"`
	RestartAttempts  int    `yaml:"restart_max_attempts"`
	HealthyReset     int    `yaml:"healthy_reset_ms"`
}

// WatchdogConfig controls liveness probing distinct from process-exit
// detection.
type WatchdogConfig struct {
	ProbeInterval int `yaml:"probe_interval_ms"`
	HangWindow    int `yaml:"hang_window_ms"`
	ResumeJump    int `yaml:"resume_jump_ms"`
}

// SessionConfig holds the recording time-bound policy.
type SessionConfig struct {
	MaxDuration       int `yaml:"max_duration_ms"`
	MinDuration       int `yaml:"min_duration_ms"`
	CompletionTimeout int `yaml:"completion_timeout_ms"`
}

// InjectionConfig describes how finalized text reaches the focused
// application. The helper commands are platform glue (wl-copy, xdotool,
// osascript and friends) resolved at startup by capability detection.
type InjectionConfig struct {
	ClipboardCommand string   `yaml:"clipboard_command"`
	PasteCommand     string   `yaml:"paste_command"`
	FocusCommand     string   `yaml:"focus_command"`
	PasteDelay       int      `yaml:"paste_delay_ms"`
	SelfTargets      []string `yaml:"self_targets"`
	QueueSize        int      `yaml:"queue_size"`
}

type RulesConfig struct {
	Path      string `yaml:"path"`
	LoopLimit int    `yaml:"loop_limit"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Worker      WorkerConfig    `yaml:"worker"`
	Watchdog    WatchdogConfig  `yaml:"watchdog"`
	Session     SessionConfig   `yaml:"session"`
	Injection   InjectionConfig `yaml:"injection"`
	Rules       RulesConfig     `yaml:"rules"`
	Events      EventsConfig    `yaml:"events"`
}

func Default() Config {
	return Config{
		RuntimeName: "hushd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8790,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			Command:          "hush-worker",
			StartupTimeout:   10000,
			ShortCallTimeout: 3000,
			LongCallTimeout:  120000,
			LogRingLines:     200,
			RestartInitial:   250,
			RestartMax:       10000,
			RestartAttempts:  5,
			HealthyReset:     30000,
		},
		Watchdog: WatchdogConfig{
			ProbeInterval: 5000,
			HangWindow:    15000,
			ResumeJump:    30000,
		},
		Session: SessionConfig{
			MaxDuration:       120000,
			MinDuration:       500,
			CompletionTimeout: 30000,
		},
		Injection: InjectionConfig{
			PasteDelay:  120,
			SelfTargets: []string{"hushd", "hush settings"},
			QueueSize:   8,
		},
		Rules: RulesConfig{
			Path:      "",
			LoopLimit: 30,
		},
		Events: EventsConfig{
			BufferSize: 500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "HUSH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HUSH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HUSH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HUSH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HUSH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HUSH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HUSH_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "HUSH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "HUSH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HUSH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HUSH_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "HUSH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Worker.Command, "HUSH_WORKER_COMMAND")
	overrideInt(&cfg.Worker.StartupTimeout, "HUSH_WORKER_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Worker.ShortCallTimeout, "HUSH_WORKER_SHORT_CALL_TIMEOUT_MS")
	overrideInt(&cfg.Worker.LongCallTimeout, "HUSH_WORKER_LONG_CALL_TIMEOUT_MS")
	overrideInt(&cfg.Worker.LogRingLines, "HUSH_WORKER_LOG_RING_LINES")
	overrideInt(&cfg.Worker.RestartInitial, "HUSH_WORKER_RESTART_INITIAL_MS")
	overrideInt(&cfg.Worker.RestartMax, "HUSH_WORKER_RESTART_MAX_MS")
	overrideInt(&cfg.Worker.RestartAttempts, "HUSH_WORKER_RESTART_MAX_ATTEMPTS")
	overrideInt(&cfg.Worker.HealthyReset, "HUSH_WORKER_HEALTHY_RESET_MS")
	overrideInt(&cfg.Watchdog.ProbeInterval, "HUSH_WATCHDOG_PROBE_INTERVAL_MS")
	overrideInt(&cfg.Watchdog.HangWindow, "HUSH_WATCHDOG_HANG_WINDOW_MS")
	overrideInt(&cfg.Watchdog.ResumeJump, "HUSH_WATCHDOG_RESUME_JUMP_MS")
	overrideInt(&cfg.Session.MaxDuration, "HUSH_SESSION_MAX_DURATION_MS")
	overrideInt(&cfg.Session.MinDuration, "HUSH_SESSION_MIN_DURATION_MS")
	overrideInt(&cfg.Session.CompletionTimeout, "HUSH_SESSION_COMPLETION_TIMEOUT_MS")
	overrideString(&cfg.Injection.ClipboardCommand, "HUSH_INJECTION_CLIPBOARD_COMMAND")
	overrideString(&cfg.Injection.PasteCommand, "HUSH_INJECTION_PASTE_COMMAND")
	overrideString(&cfg.Injection.FocusCommand, "HUSH_INJECTION_FOCUS_COMMAND")
	overrideInt(&cfg.Injection.PasteDelay, "HUSH_INJECTION_PASTE_DELAY_MS")
	overrideStringSlice(&cfg.Injection.SelfTargets, "HUSH_INJECTION_SELF_TARGETS")
	overrideInt(&cfg.Injection.QueueSize, "HUSH_INJECTION_QUEUE_SIZE")
	overrideString(&cfg.Rules.Path, "HUSH_RULES_PATH")
	overrideInt(&cfg.Rules.LoopLimit, "HUSH_RULES_LOOP_LIMIT")
	overrideInt(&cfg.Events.BufferSize, "HUSH_EVENTS_BUFFER_SIZE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return errors.New("worker.command must not be empty")
	}
	if cfg.Worker.StartupTimeout <= 0 {
		return errors.New("worker.startup_timeout_ms must be positive")
	}
	if cfg.Worker.ShortCallTimeout <= 0 {
		return errors.New("worker.short_call_timeout_ms must be positive")
	}
	if cfg.Worker.LongCallTimeout <= cfg.Worker.ShortCallTimeout {
		return errors.New("worker.long_call_timeout_ms must be greater than the short timeout")
	}
	if cfg.Worker.RestartInitial <= 0 {
		return errors.New("worker.restart_initial_ms must be positive")
	}
	if cfg.Worker.RestartMax < cfg.Worker.RestartInitial {
		return errors.New("worker.restart_max_ms must be >= restart_initial_ms")
	}
	if cfg.Worker.RestartAttempts <= 0 {
		return errors.New("worker.restart_max_attempts must be >= 1")
	}
	if cfg.Watchdog.ProbeInterval <= 0 {
		return errors.New("watchdog.probe_interval_ms must be positive")
	}
	if cfg.Watchdog.HangWindow <= cfg.Watchdog.ProbeInterval {
		return errors.New("watchdog.hang_window_ms must be greater than the probe interval")
	}
	if cfg.Session.MaxDuration <= 0 {
		return errors.New("session.max_duration_ms must be positive")
	}
	if cfg.Session.MinDuration < 0 {
		return errors.New("session.min_duration_ms must be >= 0")
	}
	if cfg.Session.MinDuration >= cfg.Session.MaxDuration {
		return errors.New("session.min_duration_ms must be smaller than max_duration_ms")
	}
	if cfg.Session.CompletionTimeout <= 0 {
		return errors.New("session.completion_timeout_ms must be positive")
	}
	if cfg.Injection.PasteDelay < 0 {
		return errors.New("injection.paste_delay_ms must be >= 0")
	}
	if cfg.Injection.QueueSize <= 0 {
		return errors.New("injection.queue_size must be >= 1")
	}
	if cfg.Rules.LoopLimit <= 0 {
		return errors.New("rules.loop_limit must be >= 1")
	}
	if cfg.Events.BufferSize <= 0 {
		return errors.New("events.buffer_size must be >= 1")
	}
	return nil
}
