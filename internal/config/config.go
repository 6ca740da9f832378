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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	STT         STTConfig         `yaml:"stt"`
	Native      NativeConfig      `yaml:"native"`
	Gateway     GatewayConfig     `yaml:"gateway"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PrivacyScope  string `yaml:"privacy_scope"`
}

// RecognitionConfig drives engine construction and audio capture.
type RecognitionConfig struct {
	Language         string `yaml:"language"`
	Strategy         string `yaml:"strategy"` // auto, native, external
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	MaxCaptureMS     int    `yaml:"max_capture_ms"`
	ResolveTimeoutMS int    `yaml:"resolve_timeout_ms"`
	SourceBuffer     int    `yaml:"source_buffer"`
}

// STTConfig selects the backend used as the external resolver.
type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, http
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	Token     string `yaml:"token"`
	ModelPath string `yaml:"model_path"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// NativeConfig configures the in-process platform recognizer.
type NativeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	Capability     string `yaml:"capability"`
}

type GatewayConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-recognition",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-node-1",
			Role:              "recognition",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "recognition.external", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-recognition.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			PrivacyScope:  "internal",
		},
		Recognition: RecognitionConfig{
			Language:         "en",
			Strategy:         "auto",
			SampleRate:       16000,
			Channels:         1,
			FrameDurationMS:  20,
			MaxCaptureMS:     30000,
			ResolveTimeoutMS: 45000,
			SourceBuffer:     256,
		},
		STT: STTConfig{
			Mode:      "mock",
			TimeoutMS: 45000,
		},
		Native: NativeConfig{
			Enabled:        false,
			Mode:           "mock",
			PartialEveryMS: 800,
			Capability:     "stt.native",
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			Path:            "/v1/recognition/ws",
			MaxMessageBytes: 1 << 20,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PrivacyScope, "LOQA_EVENT_STORE_PRIVACY_SCOPE")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideString(&cfg.Recognition.Strategy, "LOQA_RECOGNITION_STRATEGY")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "LOQA_RECOGNITION_CHANNELS")
	overrideInt(&cfg.Recognition.FrameDurationMS, "LOQA_RECOGNITION_FRAME_DURATION_MS")
	overrideInt(&cfg.Recognition.MaxCaptureMS, "LOQA_RECOGNITION_MAX_CAPTURE_MS")
	overrideInt(&cfg.Recognition.ResolveTimeoutMS, "LOQA_RECOGNITION_RESOLVE_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.SourceBuffer, "LOQA_RECOGNITION_SOURCE_BUFFER")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Token, "LOQA_STT_TOKEN")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.Native.Enabled, "LOQA_NATIVE_ENABLED")
	overrideString(&cfg.Native.Mode, "LOQA_NATIVE_MODE")
	overrideString(&cfg.Native.Command, "LOQA_NATIVE_COMMAND")
	overrideString(&cfg.Native.ModelPath, "LOQA_NATIVE_MODEL_PATH")
	overrideInt(&cfg.Native.PartialEveryMS, "LOQA_NATIVE_PARTIAL_EVERY_MS")
	overrideString(&cfg.Native.Capability, "LOQA_NATIVE_CAPABILITY")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideInt64(&cfg.Gateway.MaxMessageBytes, "LOQA_GATEWAY_MAX_MESSAGE_BYTES")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be between 1 and 65535, or -1 for a random port, when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if strings.TrimSpace(cfg.Recognition.Language) == "" {
		return errors.New("recognition.language must not be empty")
	}
	switch cfg.Recognition.Strategy {
	case "auto", "native", "external":
	default:
		return errors.New("recognition.strategy must be one of auto|native|external")
	}
	if cfg.Recognition.SampleRate <= 0 {
		return errors.New("recognition.sample_rate must be positive")
	}
	if cfg.Recognition.Channels <= 0 {
		return errors.New("recognition.channels must be positive")
	}
	if cfg.Recognition.FrameDurationMS <= 0 {
		return errors.New("recognition.frame_duration_ms must be positive")
	}
	if cfg.Recognition.MaxCaptureMS < 0 {
		return errors.New("recognition.max_capture_ms must be >= 0")
	}
	if cfg.Recognition.SourceBuffer <= 0 {
		return errors.New("recognition.source_buffer must be >= 1")
	}
	switch cfg.STT.Mode {
	case "", "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.Native.Enabled {
		switch cfg.Native.Mode {
		case "mock":
		case "exec":
			if cfg.Native.Command == "" {
				return errors.New("native.command must be set when mode=exec")
			}
		default:
			return errors.New("native.mode must be one of mock|exec")
		}
		if cfg.Native.Capability == "" {
			return errors.New("native.capability must not be empty when native is enabled")
		}
	}
	if cfg.Recognition.Strategy == "native" && !cfg.Native.Enabled {
		return errors.New("recognition.strategy=native requires native.enabled")
	}
	if cfg.Gateway.Enabled {
		if !strings.HasPrefix(cfg.Gateway.Path, "/") {
			return errors.New("gateway.path must start with /")
		}
		if cfg.Gateway.MaxMessageBytes <= 0 {
			return errors.New("gateway.max_message_bytes must be positive")
		}
	}
	return nil
}
