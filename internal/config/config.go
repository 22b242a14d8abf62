package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls logging, tracing and metrics. An empty
// PrometheusBind serves /metrics on the HTTP API listener only.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level"`
	TraceExporter  string  `yaml:"trace_exporter"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	PrometheusBind string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	LockFile    string          `yaml:"lock_file"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Journal     JournalConfig   `yaml:"journal"`
	Chant       ChantConfig     `yaml:"chant"`
	Speech      SpeechConfig    `yaml:"speech"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StoreConfig selects where counter state is persisted.
type StoreConfig struct {
	Mode   string `yaml:"mode"` // memory, sqlite, jetstream
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

// JournalConfig controls the counter event timeline.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Privacy       string `yaml:"privacy_scope"`
}

// ChantConfig holds the phrase set and counting parameters. Variants,
// thresholds and cooldowns are tuning data, not code.
type ChantConfig struct {
	Name           string   `yaml:"name"`
	Variants       []string `yaml:"variants"`
	Threshold      float64  `yaml:"threshold"`
	CycleSize      int      `yaml:"cycle_size"`
	DebounceMS     int      `yaml:"debounce_ms"`
	Milestones     []int    `yaml:"milestones"`
	AcceptPartial  bool     `yaml:"accept_partial"`
	DefaultDevotee string   `yaml:"default_devotee"`
}

type SpeechConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	StartListening  bool   `yaml:"start_listening"`
	MockPhrase      string `yaml:"mock_phrase"`
}

func Default() Config {
	return Config{
		RuntimeName: "japad",
		Environment: "development",
		LockFile:    "./data/japad.lock",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "none",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			SampleRatio:    1,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Mode:   "sqlite",
			Path:   "./data/japa-state.db",
			Bucket: "japa_counters",
		},
		Journal: JournalConfig{
			Path:          "./data/japa-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			Privacy:       "internal",
		},
		Chant: ChantConfig{
			Name: "harijap",
			Variants: []string{
				"jai jai ram krishna hari",
				"jay jay ram krishna hari",
				"jai jai ram krishna hare",
				"jai jai rama krishna hari",
				"जय जय राम कृष्ण हरि",
				"जय जय राम कृष्णा हारी",
			},
			Threshold:      0.7,
			CycleSize:      108,
			DebounceMS:     1000,
			Milestones:     []int{10, 21, 51, 108, 1008},
			AcceptPartial:  false,
			DefaultDevotee: "local",
		},
		Speech: SpeechConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "hi-IN",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			StartListening:  true,
			MockPhrase:      "jai jai ram krishna hari",
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
	overrideString(&cfg.RuntimeName, "JAPA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "JAPA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.LockFile, "JAPA_LOCK_FILE")
	overrideString(&cfg.HTTP.Bind, "JAPA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "JAPA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "JAPA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "JAPA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "JAPA_TELEMETRY_OTLP_ENDPOINT")
	overrideFloat(&cfg.Telemetry.SampleRatio, "JAPA_TELEMETRY_SAMPLE_RATIO")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "JAPA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "JAPA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "JAPA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "JAPA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "JAPA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "JAPA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "JAPA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "JAPA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "JAPA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "JAPA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "JAPA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "JAPA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Mode, "JAPA_STORE_MODE")
	overrideString(&cfg.Store.Path, "JAPA_STORE_PATH")
	overrideString(&cfg.Store.Bucket, "JAPA_STORE_BUCKET")
	overrideString(&cfg.Journal.Path, "JAPA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "JAPA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "JAPA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "JAPA_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "JAPA_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Journal.Privacy, "JAPA_JOURNAL_PRIVACY_SCOPE")
	overrideString(&cfg.Chant.Name, "JAPA_CHANT_NAME")
	overrideStringSlice(&cfg.Chant.Variants, "JAPA_CHANT_VARIANTS")
	overrideFloat(&cfg.Chant.Threshold, "JAPA_CHANT_THRESHOLD")
	overrideInt(&cfg.Chant.CycleSize, "JAPA_CHANT_CYCLE_SIZE")
	overrideInt(&cfg.Chant.DebounceMS, "JAPA_CHANT_DEBOUNCE_MS")
	overrideIntSlice(&cfg.Chant.Milestones, "JAPA_CHANT_MILESTONES")
	overrideBool(&cfg.Chant.AcceptPartial, "JAPA_CHANT_ACCEPT_PARTIAL")
	overrideString(&cfg.Chant.DefaultDevotee, "JAPA_CHANT_DEFAULT_DEVOTEE")
	overrideBool(&cfg.Speech.Enabled, "JAPA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "JAPA_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "JAPA_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "JAPA_SPEECH_MODEL_PATH")
	overrideString(&cfg.Speech.Language, "JAPA_SPEECH_LANGUAGE")
	overrideInt(&cfg.Speech.SampleRate, "JAPA_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "JAPA_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.FrameDurationMS, "JAPA_SPEECH_FRAME_DURATION_MS")
	overrideInt(&cfg.Speech.PartialEveryMS, "JAPA_SPEECH_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Speech.PublishInterim, "JAPA_SPEECH_PUBLISH_INTERIM")
	overrideBool(&cfg.Speech.StartListening, "JAPA_SPEECH_START_LISTENING")
	overrideString(&cfg.Speech.MockPhrase, "JAPA_SPEECH_MOCK_PHRASE")
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
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// overrideIntSlice ignores the variable entirely if any element fails to parse.
func overrideIntSlice(target *[]int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var parsed []int
	for _, p := range splitList(value) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return
		}
		parsed = append(parsed, n)
	}
	if len(parsed) > 0 {
		*target = parsed
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	switch cfg.Store.Mode {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must be set when mode=sqlite")
		}
	case "jetstream":
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket must be set when mode=jetstream")
		}
	default:
		return errors.New("store.mode must be one of memory|sqlite|jetstream")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if len(cfg.Chant.Variants) == 0 {
		return errors.New("chant.variants must not be empty")
	}
	if cfg.Chant.Threshold < 0 || cfg.Chant.Threshold > 1 {
		return errors.New("chant.threshold must be in [0,1]")
	}
	if cfg.Chant.CycleSize <= 0 {
		return errors.New("chant.cycle_size must be positive")
	}
	if cfg.Chant.DebounceMS < 0 {
		return errors.New("chant.debounce_ms must be >= 0")
	}
	if cfg.Chant.DefaultDevotee == "" {
		return errors.New("chant.default_devotee must not be empty")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.Channels <= 0 {
			return errors.New("speech.channels must be positive")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
	}
	return nil
}
