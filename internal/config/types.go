package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	PII       PIIConfig       `yaml:"pii" mapstructure:"pii"`
	Injection InjectionConfig `yaml:"injection" mapstructure:"injection"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host              string        `yaml:"host" mapstructure:"host"`
	Port              int           `yaml:"port" mapstructure:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodySize       int64         `yaml:"max_body_size" mapstructure:"max_body_size"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
	// TrustIdentityHeaders honors X-User-ID and X-User-Tier. Enable only
	// behind an orchestrator that sets or strips them.
	TrustIdentityHeaders bool `yaml:"trust_identity_headers" mapstructure:"trust_identity_headers"`
}

// RedisConfig contains the shared key-value store configuration.
// Backend "memory" keeps all state in-process and is meant for a single
// instance or local development.
type RedisConfig struct {
	Backend        string        `yaml:"backend" mapstructure:"backend"` // redis or memory
	URL            string        `yaml:"url" mapstructure:"url"`
	PoolSize       int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
}

// PIIConfig contains PII detection and redaction configuration
type PIIConfig struct {
	Enabled          bool              `yaml:"enabled" mapstructure:"enabled"`
	PatternSet       string            `yaml:"pattern_set" mapstructure:"pattern_set"` // strict, standard, relaxed
	Detectors        []string          `yaml:"detectors" mapstructure:"detectors"`
	ValidateEntities bool              `yaml:"validate_entities" mapstructure:"validate_entities"`
	Strategies       map[string]string `yaml:"strategies" mapstructure:"strategies"`
}

// InjectionConfig contains prompt-injection detection configuration
type InjectionConfig struct {
	Enabled             bool     `yaml:"enabled" mapstructure:"enabled"`
	Mode                string   `yaml:"mode" mapstructure:"mode"` // strict, standard, relaxed
	ContextAnalysis     bool     `yaml:"context_analysis" mapstructure:"context_analysis"`
	FramingMarkers      []string `yaml:"framing_markers" mapstructure:"framing_markers"`
	ExtraFramingMarkers []string `yaml:"extra_framing_markers" mapstructure:"extra_framing_markers"`
	TestingMarkers      []string `yaml:"testing_markers" mapstructure:"testing_markers"`
	NegationWindow      int      `yaml:"negation_window" mapstructure:"negation_window"`
	MinPayloadEntropy   float64  `yaml:"min_payload_entropy" mapstructure:"min_payload_entropy"`
	SeverityThreshold   string   `yaml:"severity_threshold" mapstructure:"severity_threshold"`
	FuzzyMatching       bool     `yaml:"fuzzy_matching" mapstructure:"fuzzy_matching"`
	FuzzyThreshold      float64  `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// CacheConfig contains verdict cache configuration
type CacheConfig struct {
	Enabled   bool                     `yaml:"enabled" mapstructure:"enabled"`
	KeyPrefix string                   `yaml:"key_prefix" mapstructure:"key_prefix"`
	Timeout   time.Duration            `yaml:"timeout" mapstructure:"timeout"`
	TTLs      map[string]time.Duration `yaml:"ttls" mapstructure:"ttls"`
	RiskTiers map[string]string        `yaml:"risk_tiers" mapstructure:"risk_tiers"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool                   `yaml:"enabled" mapstructure:"enabled"`
	FailPolicy      string                 `yaml:"fail_policy" mapstructure:"fail_policy"` // open or closed
	KeyPrefix       string                 `yaml:"key_prefix" mapstructure:"key_prefix"`
	Timeout         time.Duration          `yaml:"timeout" mapstructure:"timeout"`
	DefaultTier     string                 `yaml:"default_tier" mapstructure:"default_tier"`
	IPTier          string                 `yaml:"ip_tier" mapstructure:"ip_tier"` // empty uses default_tier
	Tiers           map[string]LimitConfig `yaml:"tiers" mapstructure:"tiers"`
	DefaultEndpoint LimitConfig            `yaml:"default_endpoint" mapstructure:"default_endpoint"`
	Endpoints       map[string]LimitConfig `yaml:"endpoints" mapstructure:"endpoints"`
	Global          LimitConfig            `yaml:"global" mapstructure:"global"`
}

// LimitConfig is a set of request budgets for one bucket. Zero disables a window.
type LimitConfig struct {
	PerSecond int  `yaml:"per_second" mapstructure:"per_second"`
	PerMinute int  `yaml:"per_minute" mapstructure:"per_minute"`
	PerHour   int  `yaml:"per_hour" mapstructure:"per_hour"`
	PerDay    int  `yaml:"per_day" mapstructure:"per_day"`
	Unlimited bool `yaml:"unlimited" mapstructure:"unlimited"`
}

// PipelineConfig contains request pipeline configuration
type PipelineConfig struct {
	Deadline  time.Duration `yaml:"deadline" mapstructure:"deadline"`
	MinLength int           `yaml:"min_length" mapstructure:"min_length"`
	MaxLength int           `yaml:"max_length" mapstructure:"max_length"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"` // appended to; rotate externally
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// Dashboard serves a live event monitor at /dashboard
	Dashboard bool `yaml:"dashboard" mapstructure:"dashboard"`
	Events    struct {
		BroadcastRequests    bool `yaml:"broadcast_requests" mapstructure:"broadcast_requests"`
		BroadcastDetections  bool `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
		BroadcastRateLimits  bool `yaml:"broadcast_rate_limits" mapstructure:"broadcast_rate_limits"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// MetricsConfig contains prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// AuditConfig contains the optional Postgres audit sink configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`
}

// DefaultFramingMarkers are academic phrases that lower the severity of an
// injection match by one level.
var DefaultFramingMarkers = []string{
	"for educational purposes",
	"educational purposes",
	"educational",
	"for research purposes",
	"research",
	"academic",
	"for academic purposes",
	"case study",
	"thesis",
	"dissertation",
	"paper",
	"coursework",
}

// DefaultTestingMarkers are testing and example phrases. They form a second,
// independent reduction from the academic markers.
var DefaultTestingMarkers = []string{
	"security test",
	"security testing",
	"penetration test",
	"pentest",
	"red team",
	"example of",
	"as an example",
	"for example",
	"known attack",
	"demonstration",
	"unit test",
	"test case",
	"sample",
	"illustration",
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  1 << 20,
		},
		Redis: RedisConfig{
			Backend:        "redis",
			URL:            "redis://localhost:6379/0",
			PoolSize:       20,
			MinIdleConns:   4,
			DialTimeout:    time.Second,
			CommandTimeout: 20 * time.Millisecond,
		},
		PII: PIIConfig{
			Enabled:          true,
			PatternSet:       "standard",
			Detectors:        []string{"all"},
			ValidateEntities: true,
			Strategies:       map[string]string{},
		},
		Injection: InjectionConfig{
			Enabled:           true,
			Mode:              "standard",
			ContextAnalysis:   true,
			FramingMarkers:    append([]string(nil), DefaultFramingMarkers...),
			TestingMarkers:    append([]string(nil), DefaultTestingMarkers...),
			NegationWindow:    40,
			MinPayloadEntropy: 3.0,
			SeverityThreshold: "low",
			FuzzyMatching:     true,
			FuzzyThreshold:    0.85,
		},
		Cache: CacheConfig{
			Enabled: true,
			Timeout: 20 * time.Millisecond,
			TTLs: map[string]time.Duration{
				"very_short": 60 * time.Second,
				"short":      300 * time.Second,
				"medium":     3600 * time.Second,
				"long":       86400 * time.Second,
				"very_long":  604800 * time.Second,
			},
			RiskTiers: map[string]string{
				"critical": "very_short",
				"high":     "very_short",
				"medium":   "short",
				"low":      "short",
				"none":     "medium",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			FailPolicy:  "open",
			Timeout:     20 * time.Millisecond,
			DefaultTier: "free",
			Tiers: map[string]LimitConfig{
				"free":       {PerMinute: 10, PerHour: 100, PerDay: 1000},
				"basic":      {PerMinute: 60, PerHour: 1000, PerDay: 10000},
				"pro":        {PerMinute: 300, PerHour: 10000, PerDay: 100000},
				"enterprise": {PerMinute: 1000, PerHour: 100000, PerDay: 1000000},
				"unlimited":  {Unlimited: true},
			},
			DefaultEndpoint: LimitConfig{PerSecond: 200, PerMinute: 6000},
			Endpoints:       map[string]LimitConfig{},
			Global:          LimitConfig{PerSecond: 1000, PerMinute: 30000},
		},
		Pipeline: PipelineConfig{
			Deadline:  time.Second,
			MinLength: 1,
			MaxLength: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
			Dashboard:       true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Audit: AuditConfig{
			Enabled:         false,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			BatchSize:       200,
			FlushInterval:   2 * time.Second,
			QueueSize:       10000,
		},
	}

	cfg.Logging.File.Path = "logs/reflex.log"

	cfg.WebSocket.Events.BroadcastRequests = true
	cfg.WebSocket.Events.BroadcastDetections = true
	cfg.WebSocket.Events.BroadcastRateLimits = true
	cfg.WebSocket.Events.BroadcastConnections = true

	return cfg
}
