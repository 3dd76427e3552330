package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the arena listens on.
	DefaultAddr = ":43150"
	// DefaultGRPCAddr is the default address of the gRPC health listener.
	DefaultGRPCAddr = ":43151"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256
	// DefaultSendTimeout bounds how long a broadcast waits on a congested connection.
	DefaultSendTimeout = 250 * time.Millisecond

	// DefaultTickInterval is the broadcast cadence for active match sessions.
	DefaultTickInterval = 100 * time.Millisecond

	// DefaultSweepInterval is how often the matchmaking queue re-evaluates waiting entries.
	DefaultSweepInterval = time.Second
	// DefaultSkillTolerance is the initial acceptable skill distance between entries.
	DefaultSkillTolerance = 100
	// DefaultToleranceStep is added to the skill tolerance per widening interval waited.
	DefaultToleranceStep = 100
	// DefaultWidenInterval is how long an entry waits before each tolerance widening.
	DefaultWidenInterval = 5 * time.Second
	// DefaultMaxSkillTolerance caps the widened tolerance.
	DefaultMaxSkillTolerance = 1000
	// DefaultRegionRelaxAfter is the wait after which region mismatches are accepted.
	DefaultRegionRelaxAfter = 10 * time.Second

	// DefaultConnectGrace bounds how long a forming session waits for all participants.
	DefaultConnectGrace = 30 * time.Second
	// DefaultDisconnectGrace bounds how long an active session tolerates an absent participant.
	DefaultDisconnectGrace = 15 * time.Second

	// DefaultDatabasePath is where match history is stored.
	DefaultDatabasePath = "arena.db"

	// DefaultLogLevel controls verbosity for arena logs.
	DefaultLogLevel = "info"
)

// Config captures all runtime tunables for the arena service.
type Config struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpc_address"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxClients      int           `yaml:"max_clients"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	TLSCertPath     string        `yaml:"tls_cert"`
	TLSKeyPath      string        `yaml:"tls_key"`
	AdminToken      string        `yaml:"admin_token"`

	Auth        AuthConfig        `yaml:"auth"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AuthConfig captures WebSocket authentication settings. An empty secret
// disables token checks and admits every connection.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Leeway    time.Duration `yaml:"leeway"`
}

// BroadcastConfig captures the snapshot fan-out cadence.
type BroadcastConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// MatchmakingConfig captures the pairing policy parameters.
type MatchmakingConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SkillTolerance    int           `yaml:"skill_tolerance"`
	ToleranceStep     int           `yaml:"tolerance_step"`
	WidenInterval     time.Duration `yaml:"widen_interval"`
	MaxSkillTolerance int           `yaml:"max_skill_tolerance"`
	RegionRelaxAfter  time.Duration `yaml:"region_relax_after"`
}

// SessionConfig captures the lifecycle grace periods for match sessions.
type SessionConfig struct {
	ConnectGrace    time.Duration `yaml:"connect_grace"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
}

// StorageConfig captures match history persistence options.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

func defaults() *Config {
	return &Config{
		Address:         DefaultAddr,
		GRPCAddress:     DefaultGRPCAddr,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		SendTimeout:     DefaultSendTimeout,
		Auth:            AuthConfig{Leeway: 2 * time.Second},
		Broadcast:       BroadcastConfig{TickInterval: DefaultTickInterval},
		Matchmaking: MatchmakingConfig{
			SweepInterval:     DefaultSweepInterval,
			SkillTolerance:    DefaultSkillTolerance,
			ToleranceStep:     DefaultToleranceStep,
			WidenInterval:     DefaultWidenInterval,
			MaxSkillTolerance: DefaultMaxSkillTolerance,
			RegionRelaxAfter:  DefaultRegionRelaxAfter,
		},
		Session: SessionConfig{
			ConnectGrace:    DefaultConnectGrace,
			DisconnectGrace: DefaultDisconnectGrace,
		},
		Storage: StorageConfig{DatabasePath: DefaultDatabasePath},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// Load resolves the arena configuration. Values come from an optional YAML
// file, then environment variables override individual settings, and invalid
// overrides are reported together in one descriptive error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if trimmed := strings.TrimSpace(path); trimmed != "" {
		data, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var problems []string

	cfg.Address = getString("ARENA_ADDR", cfg.Address)
	cfg.GRPCAddress = getString("ARENA_GRPC_ADDR", cfg.GRPCAddress)
	if raw := strings.TrimSpace(os.Getenv("ARENA_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = parseList(raw)
	}
	cfg.TLSCertPath = getString("ARENA_TLS_CERT", cfg.TLSCertPath)
	cfg.TLSKeyPath = getString("ARENA_TLS_KEY", cfg.TLSKeyPath)
	cfg.AdminToken = getString("ARENA_ADMIN_TOKEN", cfg.AdminToken)
	cfg.Auth.JWTSecret = getString("ARENA_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Storage.DatabasePath = getString("ARENA_DB_PATH", cfg.Storage.DatabasePath)
	cfg.Logging.Level = getString("ARENA_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("ARENA_LOG_PATH", cfg.Logging.Path)

	overrideInt64(&problems, "ARENA_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	overrideInt(&problems, "ARENA_MAX_CLIENTS", &cfg.MaxClients, true)
	overrideInt(&problems, "ARENA_SKILL_TOLERANCE", &cfg.Matchmaking.SkillTolerance, true)
	overrideInt(&problems, "ARENA_TOLERANCE_STEP", &cfg.Matchmaking.ToleranceStep, true)
	overrideInt(&problems, "ARENA_MAX_SKILL_TOLERANCE", &cfg.Matchmaking.MaxSkillTolerance, true)

	overrideDuration(&problems, "ARENA_PING_INTERVAL", &cfg.PingInterval)
	overrideDuration(&problems, "ARENA_SEND_TIMEOUT", &cfg.SendTimeout)
	overrideDuration(&problems, "ARENA_TICK_INTERVAL", &cfg.Broadcast.TickInterval)
	overrideDuration(&problems, "ARENA_SWEEP_INTERVAL", &cfg.Matchmaking.SweepInterval)
	overrideDuration(&problems, "ARENA_WIDEN_INTERVAL", &cfg.Matchmaking.WidenInterval)
	overrideDuration(&problems, "ARENA_REGION_RELAX_AFTER", &cfg.Matchmaking.RegionRelaxAfter)
	overrideDuration(&problems, "ARENA_CONNECT_GRACE", &cfg.Session.ConnectGrace)
	overrideDuration(&problems, "ARENA_DISCONNECT_GRACE", &cfg.Session.DisconnectGrace)

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "ARENA_TLS_CERT and ARENA_TLS_KEY must be provided together")
	}
	if cfg.Broadcast.TickInterval <= 0 {
		problems = append(problems, "broadcast tick interval must be positive")
	}
	if cfg.Matchmaking.SweepInterval <= 0 {
		problems = append(problems, "matchmaking sweep interval must be positive")
	}
	if cfg.Matchmaking.MaxSkillTolerance < cfg.Matchmaking.SkillTolerance {
		problems = append(problems, "max skill tolerance must not be below the initial tolerance")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func overrideInt(problems *[]string, key string, target *int, allowZero bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 || (!allowZero && value == 0) {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*target = value
}

func overrideInt64(problems *[]string, key string, target *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func overrideDuration(problems *[]string, key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = duration
}
