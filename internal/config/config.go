package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Transport   TransportConfig `yaml:"transport"`
	Pool        PoolConfig      `yaml:"pool"`
	Store       StoreConfig     `yaml:"store"`
	Bus         BusConfig       `yaml:"bus"`
	Backends    BackendsConfig  `yaml:"backends"`
	Voices      []VoiceSeed     `yaml:"voices"`
}

type TransportConfig struct {
	Network            string `yaml:"network"` // unix, tcp
	Address            string `yaml:"address"`
	WebSocketBind      string `yaml:"websocket_bind"`
	MaxFrameBytes      int    `yaml:"max_frame_bytes"`
	MaxSessionsPerConn int    `yaml:"max_sessions_per_conn"`
	QueueDepth         int    `yaml:"queue_depth"`
	WriteTimeoutMS     int    `yaml:"write_timeout_ms"`
}

type PoolConfig struct {
	Policy              string `yaml:"policy"` // serialize, fanout
	MaxPerToken         int    `yaml:"max_per_token"`
	IdleTimeoutMS       int    `yaml:"idle_timeout_ms"`
	SweepIntervalMS     int    `yaml:"sweep_interval_ms"`
	AcquireTimeoutMS    int    `yaml:"acquire_timeout_ms"`
	FirstChunkTimeoutMS int    `yaml:"first_chunk_timeout_ms"`
	SessionTimeoutMS    int    `yaml:"session_timeout_ms"`
	CancelPolicy        string `yaml:"cancel_policy"` // drain, recycle
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
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

	// HeartbeatIntervalMS paces presence heartbeats; a peer silent for
	// HeartbeatTimeoutMS is reported unhealthy.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`

	// ServeRequests accepts synthesis requests on bridge.tts.request.
	ServeRequests bool `yaml:"serve_requests"`
}

type BackendsConfig struct {
	Mock   MockConfig   `yaml:"mock"`
	Exec   ExecConfig   `yaml:"exec"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Yandex YandexConfig `yaml:"yandex"`
	Wasm   WasmConfig   `yaml:"wasm"`
}

type MockConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ExecConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OpenAIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type YandexConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	FolderID string `yaml:"folder_id"`
	Endpoint string `yaml:"endpoint"`
}

type WasmConfig struct {
	Enabled bool `yaml:"enabled"`
}

// VoiceSeed is a voice record declared in the config file. Seeds are
// registered at startup when the token is not already stored.
type VoiceSeed struct {
	Token       string            `yaml:"token"`
	Name        string            `yaml:"name"`
	Vendor      string            `yaml:"vendor"`
	Module      string            `yaml:"module"`
	Class       string            `yaml:"class"`
	Language    string            `yaml:"language"`
	Gender      string            `yaml:"gender"`
	SearchPaths []string          `yaml:"search_paths"`
	Config      map[string]string `yaml:"config"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8095,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Transport: TransportConfig{
			Network:            "unix",
			Address:            defaultSocketPath(),
			MaxFrameBytes:      1 << 20,
			MaxSessionsPerConn: 1,
			QueueDepth:         32,
			WriteTimeoutMS:     10000,
		},
		Pool: PoolConfig{
			Policy:              "serialize",
			MaxPerToken:         1,
			IdleTimeoutMS:       10 * 60 * 1000,
			SweepIntervalMS:     30 * 1000,
			AcquireTimeoutMS:    30 * 1000,
			FirstChunkTimeoutMS: 20 * 1000,
			SessionTimeoutMS:    5 * 60 * 1000,
			CancelPolicy:        "drain",
		},
		Store: StoreConfig{
			Path:          "./data/loqa-bridge.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		Backends: BackendsConfig{
			Mock:   MockConfig{Enabled: true},
			Exec:   ExecConfig{Enabled: true},
			OpenAI: OpenAIConfig{Model: "tts-1"},
			Yandex: YandexConfig{Endpoint: "tts.api.cloud.yandex.net:443"},
			Wasm:   WasmConfig{Enabled: true},
		},
	}
}

func defaultSocketPath() string {
	return fmt.Sprintf("%s/loqa-bridge.sock", strings.TrimRight(os.TempDir(), "/"))
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
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
	applyCredentialFallbacks(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "BRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BRIDGE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "BRIDGE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "BRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "BRIDGE_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "BRIDGE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Transport.Network, "BRIDGE_TRANSPORT_NETWORK")
	overrideString(&cfg.Transport.Address, "BRIDGE_TRANSPORT_ADDRESS")
	overrideString(&cfg.Transport.WebSocketBind, "BRIDGE_TRANSPORT_WEBSOCKET_BIND")
	overrideInt(&cfg.Transport.MaxFrameBytes, "BRIDGE_TRANSPORT_MAX_FRAME_BYTES")
	overrideInt(&cfg.Transport.MaxSessionsPerConn, "BRIDGE_TRANSPORT_MAX_SESSIONS_PER_CONN")
	overrideInt(&cfg.Transport.QueueDepth, "BRIDGE_TRANSPORT_QUEUE_DEPTH")
	overrideInt(&cfg.Transport.WriteTimeoutMS, "BRIDGE_TRANSPORT_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Pool.Policy, "BRIDGE_POOL_POLICY")
	overrideInt(&cfg.Pool.MaxPerToken, "BRIDGE_POOL_MAX_PER_TOKEN")
	overrideInt(&cfg.Pool.IdleTimeoutMS, "BRIDGE_POOL_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Pool.SweepIntervalMS, "BRIDGE_POOL_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Pool.AcquireTimeoutMS, "BRIDGE_POOL_ACQUIRE_TIMEOUT_MS")
	overrideInt(&cfg.Pool.FirstChunkTimeoutMS, "BRIDGE_POOL_FIRST_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.Pool.SessionTimeoutMS, "BRIDGE_POOL_SESSION_TIMEOUT_MS")
	overrideString(&cfg.Pool.CancelPolicy, "BRIDGE_POOL_CANCEL_POLICY")
	overrideString(&cfg.Store.Path, "BRIDGE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "BRIDGE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "BRIDGE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "BRIDGE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "BRIDGE_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "BRIDGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "BRIDGE_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "BRIDGE_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.ServeRequests, "BRIDGE_BUS_SERVE_REQUESTS")
	overrideBool(&cfg.Backends.Mock.Enabled, "BRIDGE_BACKENDS_MOCK_ENABLED")
	overrideBool(&cfg.Backends.Exec.Enabled, "BRIDGE_BACKENDS_EXEC_ENABLED")
	overrideBool(&cfg.Backends.OpenAI.Enabled, "BRIDGE_BACKENDS_OPENAI_ENABLED")
	overrideString(&cfg.Backends.OpenAI.APIKey, "BRIDGE_BACKENDS_OPENAI_API_KEY")
	overrideString(&cfg.Backends.OpenAI.BaseURL, "BRIDGE_BACKENDS_OPENAI_BASE_URL")
	overrideString(&cfg.Backends.OpenAI.Model, "BRIDGE_BACKENDS_OPENAI_MODEL")
	overrideBool(&cfg.Backends.Yandex.Enabled, "BRIDGE_BACKENDS_YANDEX_ENABLED")
	overrideString(&cfg.Backends.Yandex.APIKey, "BRIDGE_BACKENDS_YANDEX_API_KEY")
	overrideString(&cfg.Backends.Yandex.FolderID, "BRIDGE_BACKENDS_YANDEX_FOLDER_ID")
	overrideString(&cfg.Backends.Yandex.Endpoint, "BRIDGE_BACKENDS_YANDEX_ENDPOINT")
	overrideBool(&cfg.Backends.Wasm.Enabled, "BRIDGE_BACKENDS_WASM_ENABLED")
}

// applyCredentialFallbacks fills vendor credentials from the variables the
// vendors' own tooling reads, when the config left them empty.
func applyCredentialFallbacks(cfg *Config) {
	fallbackString(&cfg.Backends.OpenAI.APIKey, "OPENAI_API_KEY")
	fallbackString(&cfg.Backends.Yandex.APIKey, "YANDEX_API_KEY")
	fallbackString(&cfg.Backends.Yandex.FolderID, "YANDEX_FOLDER_ID")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func fallbackString(target *string, envKey string) {
	if *target != "" {
		return
	}
	overrideString(target, envKey)
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Transport.Network {
	case "unix", "tcp":
	default:
		return errors.New("transport.network must be one of unix|tcp")
	}
	if cfg.Transport.Address == "" {
		return errors.New("transport.address must not be empty")
	}
	if cfg.Transport.MaxFrameBytes < 1024 {
		return errors.New("transport.max_frame_bytes must be >= 1024")
	}
	if cfg.Transport.MaxSessionsPerConn <= 0 {
		return errors.New("transport.max_sessions_per_conn must be >= 1")
	}
	if cfg.Transport.QueueDepth <= 0 {
		return errors.New("transport.queue_depth must be >= 1")
	}
	switch cfg.Pool.Policy {
	case "serialize":
	case "fanout":
		if cfg.Pool.MaxPerToken <= 0 {
			return errors.New("pool.max_per_token must be >= 1 when policy=fanout")
		}
	default:
		return errors.New("pool.policy must be one of serialize|fanout")
	}
	switch cfg.Pool.CancelPolicy {
	case "drain", "recycle":
	default:
		return errors.New("pool.cancel_policy must be one of drain|recycle")
	}
	if cfg.Pool.IdleTimeoutMS <= 0 {
		return errors.New("pool.idle_timeout_ms must be positive")
	}
	if cfg.Pool.SweepIntervalMS <= 0 {
		return errors.New("pool.sweep_interval_ms must be positive")
	}
	if cfg.Pool.AcquireTimeoutMS < 0 || cfg.Pool.FirstChunkTimeoutMS < 0 || cfg.Pool.SessionTimeoutMS < 0 {
		return errors.New("pool timeouts must be >= 0")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be between 1 and 65535, or -1 for a random port, when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS <= 0 || cfg.Bus.HeartbeatTimeoutMS < cfg.Bus.HeartbeatIntervalMS {
			return errors.New("bus.heartbeat_timeout_ms must be >= heartbeat_interval_ms > 0")
		}
	}
	if cfg.Backends.OpenAI.Enabled && cfg.Backends.OpenAI.APIKey == "" {
		return errors.New("backends.openai.api_key must be set when openai is enabled")
	}
	if cfg.Backends.Yandex.Enabled {
		if cfg.Backends.Yandex.APIKey == "" || cfg.Backends.Yandex.FolderID == "" {
			return errors.New("backends.yandex.api_key and folder_id must be set when yandex is enabled")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Voices))
	for i, v := range cfg.Voices {
		if v.Token == "" {
			return fmt.Errorf("voices[%d].token must not be empty", i)
		}
		if v.Module == "" {
			return fmt.Errorf("voices[%d].module must not be empty", i)
		}
		if _, dup := seen[v.Token]; dup {
			return fmt.Errorf("voices[%d]: duplicate token %q", i, v.Token)
		}
		seen[v.Token] = struct{}{}
	}
	return nil
}
