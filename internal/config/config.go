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
	StdoutTraces   bool   `yaml:"stdout_traces"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Player      PlayerConfig     `yaml:"player"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	NodeID         string   `yaml:"node_id"`
	HeartbeatMS    int      `yaml:"heartbeat_interval_ms"`
	HeartbeatTTLMS int      `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MockText    string  `yaml:"mock_text"`
}

type TTSConfig struct {
	Mode        string `yaml:"mode"` // mock, exec, openai
	Command     string `yaml:"command"`
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Format      string `yaml:"format"`
	Voice       string `yaml:"voice"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	ChunkBytes  int    `yaml:"chunk_bytes"`
	MockDelayMS int    `yaml:"mock_delay_ms"`
}

type SegmenterConfig struct {
	MinChars    int    `yaml:"min_chars"`
	MaxChars    int    `yaml:"max_chars"`
	QuickFirst  bool   `yaml:"quick_first"`
	ShortPolicy string `yaml:"short_policy"` // merge, drop
}

type PipelineConfig struct {
	Workers        int `yaml:"workers"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	ChunkBuffer    int `yaml:"chunk_buffer"`
	SynthTimeoutMS int `yaml:"synth_timeout_ms"`
}

type PlayerConfig struct {
	Mode        string `yaml:"mode"` // mpv, exec, wav, bus, discard
	Command     string `yaml:"command"`
	AudioDevice string `yaml:"audio_device"`
	WAVPath     string `yaml:"wav_path"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "voice",
			HeartbeatMS:    5000,
			HeartbeatTTLMS: 15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxRuns:       1000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:        "mock",
			Voice:       "en-US",
			Format:      "mp3",
			Model:       "tts-1",
			SampleRate:  22050,
			Channels:    1,
			ChunkBytes:  720,
			MockDelayMS: 150,
		},
		Segmenter: SegmenterConfig{
			MinChars:    5,
			MaxChars:    100,
			QuickFirst:  false,
			ShortPolicy: "merge",
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			PollIntervalMS: 100,
			ChunkBuffer:    32,
			SynthTimeoutMS: 45000,
		},
		Player: PlayerConfig{
			Mode:       "discard",
			SampleRate: 22050,
			Channels:   1,
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
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.NodeID, "LOQA_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTTLMS, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Format, "LOQA_TTS_FORMAT")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkBytes, "LOQA_TTS_CHUNK_BYTES")
	overrideInt(&cfg.Segmenter.MinChars, "LOQA_SEGMENTER_MIN_CHARS")
	overrideInt(&cfg.Segmenter.MaxChars, "LOQA_SEGMENTER_MAX_CHARS")
	overrideBool(&cfg.Segmenter.QuickFirst, "LOQA_SEGMENTER_QUICK_FIRST")
	overrideString(&cfg.Segmenter.ShortPolicy, "LOQA_SEGMENTER_SHORT_POLICY")
	overrideInt(&cfg.Pipeline.Workers, "LOQA_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "LOQA_PIPELINE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.ChunkBuffer, "LOQA_PIPELINE_CHUNK_BUFFER")
	overrideInt(&cfg.Pipeline.SynthTimeoutMS, "LOQA_PIPELINE_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.Player.Mode, "LOQA_PLAYER_MODE")
	overrideString(&cfg.Player.Command, "LOQA_PLAYER_COMMAND")
	overrideString(&cfg.Player.AudioDevice, "LOQA_PLAYER_AUDIO_DEVICE")
	overrideString(&cfg.Player.WAVPath, "LOQA_PLAYER_WAV_PATH")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatMS <= 0 || cfg.Bus.HeartbeatTTLMS < cfg.Bus.HeartbeatMS {
			return errors.New("bus.heartbeat_interval_ms must be positive and not exceed bus.heartbeat_timeout_ms")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=openai")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Segmenter.MinChars < 0 {
		return errors.New("segmenter.min_chars must be >= 0")
	}
	if cfg.Segmenter.MaxChars <= 0 {
		return errors.New("segmenter.max_chars must be positive")
	}
	switch cfg.Segmenter.ShortPolicy {
	case "merge", "drop":
	default:
		return errors.New("segmenter.short_policy must be one of merge|drop")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if cfg.Pipeline.ChunkBuffer <= 0 {
		return errors.New("pipeline.chunk_buffer must be >= 1")
	}
	if cfg.Pipeline.SynthTimeoutMS < 0 {
		return errors.New("pipeline.synth_timeout_ms must be >= 0")
	}
	switch cfg.Player.Mode {
	case "mpv", "discard":
	case "exec":
		if cfg.Player.Command == "" {
			return errors.New("player.command must be set when mode=exec")
		}
	case "wav":
		if cfg.Player.WAVPath == "" {
			return errors.New("player.wav_path must be set when mode=wav")
		}
		if cfg.Player.SampleRate <= 0 || cfg.Player.Channels <= 0 {
			return errors.New("player.sample_rate and player.channels must be positive when mode=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("player.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("player.mode must be one of mpv|exec|wav|bus|discard")
	}
	return nil
}
