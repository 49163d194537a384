package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// envBindings are keys that can be set from the environment without a
// config file present (REFLEX_REDIS_URL, REFLEX_SERVER_PORT, ...).
var envBindings = []string{
	"server.host",
	"server.port",
	"server.trust_proxy_headers",
	"server.trust_identity_headers",
	"redis.backend",
	"redis.url",
	"redis.pool_size",
	"redis.command_timeout",
	"pii.enabled",
	"pii.pattern_set",
	"injection.enabled",
	"injection.mode",
	"cache.enabled",
	"cache.key_prefix",
	"rate_limit.enabled",
	"rate_limit.fail_policy",
	"rate_limit.default_tier",
	"rate_limit.ip_tier",
	"pipeline.deadline",
	"logging.level",
	"logging.format",
	"websocket.enabled",
	"websocket.username",
	"websocket.password",
	"metrics.enabled",
	"audit.enabled",
	"audit.database_url",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.Reset()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/reflex-layer/")
	viper.AddConfigPath("$HOME/.reflex-layer/")

	// Environment variable overrides
	viper.SetEnvPrefix("REFLEX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envBindings {
		if err := viper.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Redis.Backend != "redis" && config.Redis.Backend != "memory" {
		return fmt.Errorf("invalid store backend: %s (must be redis or memory)", config.Redis.Backend)
	}

	if !oneOf(config.PII.PatternSet, "strict", "standard", "relaxed") {
		return fmt.Errorf("invalid pii pattern set: %s (must be strict, standard, or relaxed)", config.PII.PatternSet)
	}

	if !oneOf(config.Injection.Mode, "strict", "standard", "relaxed") {
		return fmt.Errorf("invalid injection mode: %s (must be strict, standard, or relaxed)", config.Injection.Mode)
	}

	if !oneOf(strings.ToLower(config.Injection.SeverityThreshold), "low", "medium", "high", "critical") {
		return fmt.Errorf("invalid severity threshold: %s", config.Injection.SeverityThreshold)
	}

	if config.Injection.NegationWindow < 0 {
		return fmt.Errorf("invalid negation window: %d", config.Injection.NegationWindow)
	}

	if config.Injection.FuzzyThreshold <= 0 || config.Injection.FuzzyThreshold > 1 {
		return fmt.Errorf("invalid fuzzy threshold: %.2f (must be in (0, 1])", config.Injection.FuzzyThreshold)
	}

	if err := validateCache(&config.Cache); err != nil {
		return err
	}

	if config.RateLimit.FailPolicy != "open" && config.RateLimit.FailPolicy != "closed" {
		return fmt.Errorf("invalid rate limit fail policy: %s (must be open or closed)", config.RateLimit.FailPolicy)
	}

	if _, ok := config.RateLimit.Tiers[config.RateLimit.DefaultTier]; !ok {
		return fmt.Errorf("rate limit default tier %q is not defined", config.RateLimit.DefaultTier)
	}

	if _, ok := config.RateLimit.Tiers[config.RateLimit.IPTier]; config.RateLimit.IPTier != "" && !ok {
		return fmt.Errorf("rate limit ip tier %q is not defined", config.RateLimit.IPTier)
	}

	if config.Pipeline.MinLength < 1 || config.Pipeline.MaxLength < config.Pipeline.MinLength {
		return fmt.Errorf("invalid input length bounds: [%d, %d]", config.Pipeline.MinLength, config.Pipeline.MaxLength)
	}

	if config.Pipeline.Deadline <= 0 {
		return fmt.Errorf("invalid pipeline deadline: %s", config.Pipeline.Deadline)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Audit.Enabled && config.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit is enabled but audit.database_url is empty")
	}

	return nil
}

// validateCache checks that every risk tier maps to a known TTL tier and that
// detections never outlive clean verdicts.
func validateCache(cache *CacheConfig) error {
	for _, name := range []string{"very_short", "short", "medium", "long", "very_long"} {
		if ttl, ok := cache.TTLs[name]; !ok || ttl <= 0 {
			return fmt.Errorf("cache ttl tier %q must be set and positive", name)
		}
	}

	ttlFor := func(risk string) (time.Duration, error) {
		tier, ok := cache.RiskTiers[risk]
		if !ok {
			return 0, fmt.Errorf("cache risk tier %q is not mapped", risk)
		}
		ttl, ok := cache.TTLs[tier]
		if !ok {
			return 0, fmt.Errorf("cache risk tier %q maps to unknown ttl tier %q", risk, tier)
		}
		return ttl, nil
	}

	clean, err := ttlFor("none")
	if err != nil {
		return err
	}
	for _, risk := range []string{"low", "medium", "high", "critical"} {
		ttl, err := ttlFor(risk)
		if err != nil {
			return err
		}
		if ttl >= clean {
			return fmt.Errorf("cache ttl for %s risk (%s) must be shorter than clean ttl (%s)", risk, ttl, clean)
		}
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Watch starts watching the configuration file for changes
func Watch(callback func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to reload %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("rejected reload of %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	viper.WatchConfig()
}
