package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	ServiceName string            `yaml:"service_name" toml:"service_name"`
	Environment string            `yaml:"environment" toml:"environment"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Paths       PathsConfig       `yaml:"paths" toml:"paths"`
	TTS         TTSConfig         `yaml:"tts" toml:"tts"`
	LLM         LLMConfig         `yaml:"llm" toml:"llm"`
	Performance PerformanceConfig `yaml:"performance" toml:"performance"`
	EventStore  EventStoreConfig  `yaml:"event_store" toml:"event_store"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
}

type PathsConfig struct {
	VoicesDir        string `yaml:"voices_dir" toml:"voices_dir"`
	VoiceMap         string `yaml:"voice_map" toml:"voice_map"`
	DefaultVoiceFile string `yaml:"default_voice_file" toml:"default_voice_file"`
	OutputFolder     string `yaml:"output_folder" toml:"output_folder"`
}

type TTSConfig struct {
	Mode           string  `yaml:"mode" toml:"mode"` // http, exec
	APIURL         string  `yaml:"api_url" toml:"api_url"`
	Model          string  `yaml:"model" toml:"model"`
	Speed          float64 `yaml:"speed" toml:"speed"`
	TimeoutSeconds int     `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Command        string  `yaml:"command" toml:"command"`
}

type LLMConfig struct {
	Enabled        bool    `yaml:"enabled" toml:"enabled"`
	APIBase        string  `yaml:"api_base" toml:"api_base"`
	APIKey         string  `yaml:"api_key" toml:"api_key"`
	Model          string  `yaml:"model" toml:"model"`
	Temperature    float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens" toml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds" toml:"timeout_seconds"`
	MinInputLength int     `yaml:"min_input_length" toml:"min_input_length"`
}

type PerformanceConfig struct {
	MaxTextLength        int     `yaml:"max_text_length" toml:"max_text_length"`
	CleanupIntervalHours float64 `yaml:"cleanup_interval_hours" toml:"cleanup_interval_hours"`
	FileMaxAgeHours      float64 `yaml:"file_max_age_hours" toml:"file_max_age_hours"`
	BackgroundSweep      bool    `yaml:"background_sweep" toml:"background_sweep"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxEvents     int    `yaml:"max_events" toml:"max_events"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Subject        string   `yaml:"subject" toml:"subject"`
	RequestSubject string   `yaml:"request_subject" toml:"request_subject"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-narrator",
		Environment: "development",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Paths: PathsConfig{
			VoicesDir:        "voices",
			VoiceMap:         "voices.json",
			DefaultVoiceFile: "narrator.wav",
			OutputFolder:     "output",
		},
		TTS: TTSConfig{
			Mode:           "http",
			APIURL:         "http://localhost:8880/v1/audio/speech",
			Model:          "chatterbox",
			Speed:          1.0,
			TimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			Enabled:        true,
			APIBase:        "http://localhost:1234/v1/chat/completions",
			Model:          "local-model",
			Temperature:    0.7,
			MaxTokens:      50,
			TimeoutSeconds: 10,
			MinInputLength: 15,
		},
		Performance: PerformanceConfig{
			MaxTextLength:        300,
			CleanupIntervalHours: 1,
			FileMaxAgeHours:      2,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxEvents:     5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			Subject:        "narrator.audio.ready",
			RequestSubject: "narrator.event",
			ConnectTimeout: 2000,
		},
	}
}

// Load reads the configuration file at path (YAML or TOML, chosen by
// extension), applies NARRATOR_* environment overrides and validates the
// result. Relative filesystem paths are anchored at the config file's
// directory.
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	if path != "" {
		anchorPaths(&cfg, filepath.Dir(path))
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func anchorPaths(cfg *Config, base string) {
	anchor := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	anchor(&cfg.Paths.VoicesDir)
	anchor(&cfg.Paths.VoiceMap)
	anchor(&cfg.Paths.OutputFolder)
	anchor(&cfg.EventStore.Path)
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "NARRATOR_SERVICE_NAME")
	overrideString(&cfg.Environment, "NARRATOR_ENVIRONMENT")
	overrideString(&cfg.Server.Host, "NARRATOR_SERVER_HOST")
	overrideInt(&cfg.Server.Port, "NARRATOR_SERVER_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Paths.VoicesDir, "NARRATOR_PATHS_VOICES_DIR")
	overrideString(&cfg.Paths.VoiceMap, "NARRATOR_PATHS_VOICE_MAP")
	overrideString(&cfg.Paths.DefaultVoiceFile, "NARRATOR_PATHS_DEFAULT_VOICE_FILE")
	overrideString(&cfg.Paths.OutputFolder, "NARRATOR_PATHS_OUTPUT_FOLDER")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.APIURL, "NARRATOR_TTS_API_URL")
	overrideString(&cfg.TTS.Model, "NARRATOR_TTS_MODEL")
	overrideFloat(&cfg.TTS.Speed, "NARRATOR_TTS_SPEED")
	overrideInt(&cfg.TTS.TimeoutSeconds, "NARRATOR_TTS_TIMEOUT_SECONDS")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideBool(&cfg.LLM.Enabled, "NARRATOR_LLM_ENABLED")
	overrideString(&cfg.LLM.APIBase, "NARRATOR_LLM_API_BASE")
	overrideString(&cfg.LLM.APIKey, "NARRATOR_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "NARRATOR_LLM_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "NARRATOR_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.MaxTokens, "NARRATOR_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutSeconds, "NARRATOR_LLM_TIMEOUT_SECONDS")
	overrideInt(&cfg.Performance.MaxTextLength, "NARRATOR_PERFORMANCE_MAX_TEXT_LENGTH")
	overrideFloat(&cfg.Performance.CleanupIntervalHours, "NARRATOR_PERFORMANCE_CLEANUP_INTERVAL_HOURS")
	overrideFloat(&cfg.Performance.FileMaxAgeHours, "NARRATOR_PERFORMANCE_FILE_MAX_AGE_HOURS")
	overrideBool(&cfg.Performance.BackgroundSweep, "NARRATOR_PERFORMANCE_BACKGROUND_SWEEP")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "NARRATOR_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Subject, "NARRATOR_BUS_SUBJECT")
	overrideString(&cfg.Bus.RequestSubject, "NARRATOR_BUS_REQUEST_SUBJECT")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Paths.VoicesDir == "" {
		return errors.New("paths.voices_dir must not be empty")
	}
	if cfg.Paths.OutputFolder == "" {
		return errors.New("paths.output_folder must not be empty")
	}
	if cfg.Paths.DefaultVoiceFile == "" {
		return errors.New("paths.default_voice_file must not be empty")
	}
	switch cfg.TTS.Mode {
	case "http":
		if cfg.TTS.APIURL == "" {
			return errors.New("tts.api_url must be set when mode=http")
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of http|exec")
	}
	if cfg.TTS.Model == "" {
		return errors.New("tts.model must not be empty")
	}
	if cfg.TTS.Speed <= 0 {
		return errors.New("tts.speed must be positive")
	}
	if cfg.TTS.TimeoutSeconds <= 0 {
		return errors.New("tts.timeout_seconds must be positive")
	}
	if cfg.LLM.Enabled {
		if cfg.LLM.APIBase == "" {
			return errors.New("llm.api_base must be set when llm is enabled")
		}
		if cfg.LLM.MaxTokens <= 0 {
			return errors.New("llm.max_tokens must be positive")
		}
		if cfg.LLM.TimeoutSeconds <= 0 {
			return errors.New("llm.timeout_seconds must be positive")
		}
	}
	if cfg.Performance.MaxTextLength <= 0 {
		return errors.New("performance.max_text_length must be positive")
	}
	if cfg.Performance.CleanupIntervalHours <= 0 {
		return errors.New("performance.cleanup_interval_hours must be positive")
	}
	if cfg.Performance.FileMaxAgeHours <= 0 {
		return errors.New("performance.file_max_age_hours must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty when bus is enabled")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
