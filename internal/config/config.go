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

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	VAD         VADConfig        `yaml:"vad"`
	Turn        TurnConfig       `yaml:"turn"`
	Output      OutputConfig     `yaml:"output"`
	STT         STTConfig        `yaml:"stt"`
	Generation  GenerationConfig `yaml:"generation"`
	TTS         TTSConfig        `yaml:"tts"`
	Journal     JournalConfig    `yaml:"journal"`
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
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type GatewayConfig struct {
	MaxSessions    int   `yaml:"max_sessions"`
	ReadLimitBytes int64 `yaml:"read_limit_bytes"`
	PingInterval   int   `yaml:"ping_interval_ms"`
	AllowAnyOrigin bool  `yaml:"allow_any_origin"`
}

type VADConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Threshold      float64 `yaml:"threshold"`
	Margin         float64 `yaml:"margin"`
	MinSilenceMS   int     `yaml:"min_silence_ms"`
	ContextSamples int     `yaml:"context_samples"`
	Model          string  `yaml:"model"` // energy, exec
	Command        string  `yaml:"command"`
	EnergyGain     float64 `yaml:"energy_gain"`
}

type TurnConfig struct {
	SilenceThresholdMS  int    `yaml:"silence_threshold_ms"`
	SegmentMaxWords     int    `yaml:"segment_max_words"`
	GenerationTimeoutMS int    `yaml:"generation_timeout_ms"`
	SystemPrompt        string `yaml:"system_prompt"`
	Voice               string `yaml:"voice"`
	Tier                string `yaml:"tier"`
}

type OutputConfig struct {
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	Underrun        string `yaml:"underrun"` // silence, pause
}

type STTConfig struct {
	Mode                string `yaml:"mode"` // mock, exec
	Command             string `yaml:"command"`
	PartialEveryMS      int    `yaml:"partial_every_ms"`
	CaptureDir          string `yaml:"capture_dir"`
	ReconnectMaxRetries int    `yaml:"reconnect_max_retries"`
	ReconnectBaseMS     int    `yaml:"reconnect_base_ms"`
}

type GenerationConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
}

type JournalConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "duplex-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "duplex-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Gateway: GatewayConfig{
			MaxSessions:    32,
			ReadLimitBytes: 1 << 20,
			PingInterval:   20000,
			AllowAnyOrigin: true,
		},
		VAD: VADConfig{
			SampleRate:     16000,
			Threshold:      0.5,
			Margin:         0.15,
			MinSilenceMS:   100,
			ContextSamples: 64,
			Model:          "energy",
			EnergyGain:     4.0,
		},
		Turn: TurnConfig{
			SilenceThresholdMS:  700,
			SegmentMaxWords:     8,
			GenerationTimeoutMS: 30000,
			Voice:               "en-US",
			Tier:                "balanced",
		},
		Output: OutputConfig{
			FrameDurationMS: 20,
			QueueCapacity:   64,
			Underrun:        "silence",
		},
		STT: STTConfig{
			Mode:                "mock",
			PartialEveryMS:      800,
			ReconnectMaxRetries: 3,
			ReconnectBaseMS:     250,
		},
		Generation: GenerationConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
		},
		Journal: JournalConfig{
			Path:             "./data/duplex-journal.db",
			RetentionMode:    "session",
			RetentionDays:    30,
			MaxConversations: 10000,
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
	overrideString(&cfg.RuntimeName, "DUPLEX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DUPLEX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DUPLEX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DUPLEX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DUPLEX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DUPLEX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DUPLEX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "DUPLEX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DUPLEX_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DUPLEX_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DUPLEX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DUPLEX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DUPLEX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DUPLEX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DUPLEX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DUPLEX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "DUPLEX_NODE_ID")
	overrideString(&cfg.Node.Role, "DUPLEX_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "DUPLEX_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "DUPLEX_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.MaxSessions, "DUPLEX_GATEWAY_MAX_SESSIONS")
	overrideInt64(&cfg.Gateway.ReadLimitBytes, "DUPLEX_GATEWAY_READ_LIMIT_BYTES")
	overrideInt(&cfg.Gateway.PingInterval, "DUPLEX_GATEWAY_PING_INTERVAL_MS")
	overrideBool(&cfg.Gateway.AllowAnyOrigin, "DUPLEX_GATEWAY_ALLOW_ANY_ORIGIN")
	overrideInt(&cfg.VAD.SampleRate, "DUPLEX_VAD_SAMPLE_RATE")
	overrideFloat(&cfg.VAD.Threshold, "DUPLEX_VAD_THRESHOLD")
	overrideFloat(&cfg.VAD.Margin, "DUPLEX_VAD_MARGIN")
	overrideInt(&cfg.VAD.MinSilenceMS, "DUPLEX_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.VAD.ContextSamples, "DUPLEX_VAD_CONTEXT_SAMPLES")
	overrideString(&cfg.VAD.Model, "DUPLEX_VAD_MODEL")
	overrideString(&cfg.VAD.Command, "DUPLEX_VAD_COMMAND")
	overrideFloat(&cfg.VAD.EnergyGain, "DUPLEX_VAD_ENERGY_GAIN")
	overrideInt(&cfg.Turn.SilenceThresholdMS, "DUPLEX_TURN_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Turn.SegmentMaxWords, "DUPLEX_TURN_SEGMENT_MAX_WORDS")
	overrideInt(&cfg.Turn.GenerationTimeoutMS, "DUPLEX_TURN_GENERATION_TIMEOUT_MS")
	overrideString(&cfg.Turn.SystemPrompt, "DUPLEX_TURN_SYSTEM_PROMPT")
	overrideString(&cfg.Turn.Voice, "DUPLEX_TURN_VOICE")
	overrideString(&cfg.Turn.Tier, "DUPLEX_TURN_TIER")
	overrideInt(&cfg.Output.FrameDurationMS, "DUPLEX_OUTPUT_FRAME_DURATION_MS")
	overrideInt(&cfg.Output.QueueCapacity, "DUPLEX_OUTPUT_QUEUE_CAPACITY")
	overrideString(&cfg.Output.Underrun, "DUPLEX_OUTPUT_UNDERRUN")
	overrideString(&cfg.STT.Mode, "DUPLEX_STT_MODE")
	overrideString(&cfg.STT.Command, "DUPLEX_STT_COMMAND")
	overrideInt(&cfg.STT.PartialEveryMS, "DUPLEX_STT_PARTIAL_EVERY_MS")
	overrideString(&cfg.STT.CaptureDir, "DUPLEX_STT_CAPTURE_DIR")
	overrideInt(&cfg.STT.ReconnectMaxRetries, "DUPLEX_STT_RECONNECT_MAX_RETRIES")
	overrideInt(&cfg.STT.ReconnectBaseMS, "DUPLEX_STT_RECONNECT_BASE_MS")
	overrideString(&cfg.Generation.Mode, "DUPLEX_GENERATION_MODE")
	overrideString(&cfg.Generation.Endpoint, "DUPLEX_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Command, "DUPLEX_GENERATION_COMMAND")
	overrideString(&cfg.Generation.ModelFast, "DUPLEX_GENERATION_MODEL_FAST")
	overrideString(&cfg.Generation.ModelBalanced, "DUPLEX_GENERATION_MODEL_BALANCED")
	overrideString(&cfg.Generation.DefaultTier, "DUPLEX_GENERATION_DEFAULT_TIER")
	overrideInt(&cfg.Generation.MaxTokens, "DUPLEX_GENERATION_MAX_TOKENS")
	overrideFloat(&cfg.Generation.Temperature, "DUPLEX_GENERATION_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "DUPLEX_TTS_MODE")
	overrideString(&cfg.TTS.Command, "DUPLEX_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "DUPLEX_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "DUPLEX_TTS_SAMPLE_RATE")
	overrideString(&cfg.Journal.Path, "DUPLEX_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "DUPLEX_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "DUPLEX_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxConversations, "DUPLEX_JOURNAL_MAX_CONVERSATIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "DUPLEX_JOURNAL_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
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
	if cfg.Gateway.MaxSessions <= 0 {
		return errors.New("gateway.max_sessions must be >= 1")
	}
	if cfg.Gateway.ReadLimitBytes <= 0 {
		return errors.New("gateway.read_limit_bytes must be positive")
	}
	if cfg.Gateway.PingInterval <= 0 {
		return errors.New("gateway.ping_interval_ms must be positive")
	}
	switch cfg.VAD.SampleRate {
	case 8000, 16000:
		// ok
	default:
		return errors.New("vad.sample_rate must be 8000 or 16000")
	}
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		return errors.New("vad.threshold must be between 0 and 1 exclusive")
	}
	if cfg.VAD.Margin <= 0 || cfg.VAD.Margin >= cfg.VAD.Threshold {
		return errors.New("vad.margin must be positive and below the threshold")
	}
	if cfg.VAD.MinSilenceMS < 0 {
		return errors.New("vad.min_silence_ms must be >= 0")
	}
	if cfg.VAD.ContextSamples < 0 {
		return errors.New("vad.context_samples must be >= 0")
	}
	switch cfg.VAD.Model {
	case "energy", "exec":
	default:
		return errors.New("vad.model must be one of energy|exec")
	}
	if cfg.VAD.Model == "exec" && cfg.VAD.Command == "" {
		return errors.New("vad.command must be set when model=exec")
	}
	if cfg.Turn.SilenceThresholdMS <= 0 {
		return errors.New("turn.silence_threshold_ms must be positive")
	}
	if cfg.Turn.SegmentMaxWords <= 0 {
		return errors.New("turn.segment_max_words must be >= 1")
	}
	if cfg.Turn.GenerationTimeoutMS < 0 {
		return errors.New("turn.generation_timeout_ms must be >= 0")
	}
	if cfg.Output.FrameDurationMS <= 0 {
		return errors.New("output.frame_duration_ms must be positive")
	}
	if cfg.Output.QueueCapacity <= 0 {
		return errors.New("output.queue_capacity must be >= 1")
	}
	switch cfg.Output.Underrun {
	case "silence", "pause":
	default:
		return errors.New("output.underrun must be one of silence|pause")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.ReconnectMaxRetries < 0 {
		return errors.New("stt.reconnect_max_retries must be >= 0")
	}
	if cfg.STT.ReconnectBaseMS <= 0 {
		return errors.New("stt.reconnect_base_ms must be positive")
	}
	switch cfg.Generation.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("generation.mode must be one of mock|ollama|exec")
	}
	if cfg.Generation.Mode == "ollama" && cfg.Generation.Endpoint == "" {
		return errors.New("generation.endpoint must be set when mode=ollama")
	}
	if cfg.Generation.Mode == "exec" && cfg.Generation.Command == "" {
		return errors.New("generation.command must be set when mode=exec")
	}
	if cfg.Generation.MaxTokens < 0 {
		return errors.New("generation.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
