package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	env "github.com/netflix/go-env"
	"gopkg.in/yaml.v3"

	"github.com/candidatelabs/slackrag/internal/types"
)

// Type alias for Config
type Config = types.Config

// Load loads configuration from environment variables, with an optional
// config.yaml file filling in values for variables that are not set.
func Load() (*Config, error) {
	var config Config

	_, err := env.UnmarshalFromEnviron(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if path := configFilePath(); path != "" {
		if err := applyFileConfig(&config, path); err != nil {
			return nil, fmt.Errorf("failed to apply config file %s: %w", path, err)
		}
	}

	// Parse ChannelNamePatterns from pipe-separated string
	if config.ChannelNamePatternsStr != "" {
		patterns := strings.Split(config.ChannelNamePatternsStr, "|")
		config.ChannelNamePatterns = make([]string, 0, len(patterns))
		for _, p := range patterns {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				config.ChannelNamePatterns = append(config.ChannelNamePatterns, trimmed)
			}
		}
	}

	if config.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory for data dir: %w", err)
		}
		config.DataDir = home + "/.slackrag"
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// configFilePath returns the config file to overlay, or "" when none exists.
func configFilePath() string {
	if path := os.Getenv("SLACKRAG_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// fileConfig mirrors the yaml-configurable subset of Config. Pointer fields
// distinguish "absent" from zero values; environment variables always win.
type fileConfig struct {
	SlackToken          *string   `yaml:"slack_token"`
	SlackUserToken      *string   `yaml:"slack_user_token"`
	OpenAIAPIKey        *string   `yaml:"openai_api_key"`
	OpenAIBaseURL       *string   `yaml:"openai_base_url"`
	EmbeddingModel      *string   `yaml:"embedding_model"`
	AnthropicAPIKey     *string   `yaml:"anthropic_api_key"`
	AnthropicBaseURL    *string   `yaml:"anthropic_base_url"`
	ClaudeModel         *string   `yaml:"claude_model"`
	ClaudeMaxTokens     *int      `yaml:"claude_max_tokens"`
	ChromaURL           *string   `yaml:"chroma_url"`
	ChromaCollection    *string   `yaml:"chroma_collection"`
	DataDir             *string   `yaml:"data_dir"`
	CacheTTL            *duration `yaml:"cache_ttl"`
	CacheMaxSize        *int      `yaml:"cache_max_size"`
	SyncTTL             *duration `yaml:"sync_ttl"`
	ChannelNamePatterns *string   `yaml:"channel_name_patterns"`
	SlackRateLimit      *float64  `yaml:"slack_rate_limit"`
	Concurrency         *int      `yaml:"concurrency"`
	DefaultTimezone     *string   `yaml:"default_timezone"`
	WebHost             *string   `yaml:"web_host"`
	WebPort             *int      `yaml:"web_port"`
	OutputDir           *string   `yaml:"output_dir"`
}

// applyFileConfig overlays values from a yaml file onto config. A file value
// is applied only when the matching environment variable is unset.
func applyFileConfig(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}

	setString := func(envKey string, dst *string, src *string) {
		if src != nil && !envSet(envKey) {
			*dst = *src
		}
	}
	setInt := func(envKey string, dst *int, src *int) {
		if src != nil && !envSet(envKey) {
			*dst = *src
		}
	}
	setDuration := func(envKey string, dst *time.Duration, src *duration) {
		if src != nil && !envSet(envKey) {
			*dst = time.Duration(*src)
		}
	}

	setString("SLACK_TOKEN", &config.SlackToken, fc.SlackToken)
	setString("SLACK_USER_TOKEN", &config.SlackUserToken, fc.SlackUserToken)
	setString("OPENAI_API_KEY", &config.OpenAIAPIKey, fc.OpenAIAPIKey)
	setString("OPENAI_BASE_URL", &config.OpenAIBaseURL, fc.OpenAIBaseURL)
	setString("EMBEDDING_MODEL", &config.EmbeddingModel, fc.EmbeddingModel)
	setString("ANTHROPIC_API_KEY", &config.AnthropicAPIKey, fc.AnthropicAPIKey)
	setString("ANTHROPIC_BASE_URL", &config.AnthropicBaseURL, fc.AnthropicBaseURL)
	setString("CLAUDE_MODEL", &config.ClaudeModel, fc.ClaudeModel)
	setInt("CLAUDE_MAX_TOKENS", &config.ClaudeMaxTokens, fc.ClaudeMaxTokens)
	setString("CHROMA_URL", &config.ChromaURL, fc.ChromaURL)
	setString("CHROMA_COLLECTION", &config.ChromaCollection, fc.ChromaCollection)
	setString("SLACKRAG_DATA_DIR", &config.DataDir, fc.DataDir)
	setDuration("CACHE_TTL", &config.CacheTTL, fc.CacheTTL)
	setInt("CACHE_MAX_SIZE", &config.CacheMaxSize, fc.CacheMaxSize)
	setDuration("SYNC_TTL", &config.SyncTTL, fc.SyncTTL)
	setString("CHANNEL_NAME_PATTERNS", &config.ChannelNamePatternsStr, fc.ChannelNamePatterns)
	setInt("CONCURRENCY", &config.Concurrency, fc.Concurrency)
	setString("DEFAULT_TIMEZONE", &config.DefaultTimezone, fc.DefaultTimezone)
	setString("WEB_HOST", &config.WebHost, fc.WebHost)
	setInt("WEB_PORT", &config.WebPort, fc.WebPort)
	setString("OUTPUT_DIR", &config.OutputDir, fc.OutputDir)

	if fc.SlackRateLimit != nil && !envSet("SLACK_RATE_LIMIT") {
		config.SlackRateLimit = *fc.SlackRateLimit
	}

	return nil
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

// duration parses yaml scalars like "30s" or "1h" into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// validateConfig validates configuration values and adjusts them to safe ranges
func validateConfig(config *Config) error {
	// Validate concurrency limits
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Concurrency > 20 {
		config.Concurrency = 20
	}

	// Validate retry attempts
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryAttempts > 10 {
		config.RetryAttempts = 10
	}

	if config.SlackRateLimit <= 0 {
		return fmt.Errorf("SLACK_RATE_LIMIT must be greater than 0")
	}
	if config.SlackRateLimit > 50 {
		return fmt.Errorf("SLACK_RATE_LIMIT cannot exceed 50 requests/second")
	}
	if config.SlackRateBurst <= 0 {
		return fmt.Errorf("SLACK_RATE_BURST must be greater than 0")
	}

	if err := validateEndpoint("OPENAI_BASE_URL", config.OpenAIBaseURL); err != nil {
		return err
	}
	if err := validateEndpoint("ANTHROPIC_BASE_URL", config.AnthropicBaseURL); err != nil {
		return err
	}
	if err := validateEndpoint("CHROMA_URL", config.ChromaURL); err != nil {
		return err
	}

	if config.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be greater than 0")
	}
	if config.CacheMaxSize <= 0 {
		return fmt.Errorf("CACHE_MAX_SIZE must be greater than 0")
	}
	if config.SyncTTL <= 0 {
		return fmt.Errorf("SYNC_TTL must be greater than 0")
	}

	if config.DBMaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be greater than 0")
	}
	if config.DBMaxIdleConns <= 0 {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be greater than 0")
	}
	if config.DBMaxIdleConns > config.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS cannot exceed DB_MAX_OPEN_CONNS")
	}

	if config.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be greater than 0")
	}

	if _, err := time.LoadLocation(config.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", config.DefaultTimezone, err)
	}

	if err := validateWebConfig(config); err != nil {
		return fmt.Errorf("web server configuration validation failed: %w", err)
	}

	return nil
}

// validateWebConfig validates web server-specific configuration
func validateWebConfig(config *Config) error {
	if config.WebPort < 1 || config.WebPort > 65535 {
		return fmt.Errorf("WEB_PORT must be between 1 and 65535")
	}
	if config.WebHost == "" {
		return fmt.Errorf("WEB_HOST cannot be empty")
	}
	if config.WebReadTimeout <= 0 {
		return fmt.Errorf("WEB_READ_TIMEOUT must be greater than 0")
	}
	if config.WebWriteTimeout <= 0 {
		return fmt.Errorf("WEB_WRITE_TIMEOUT must be greater than 0")
	}
	if config.WebIdleTimeout <= 0 {
		return fmt.Errorf("WEB_IDLE_TIMEOUT must be greater than 0")
	}
	if config.WebShutdownTimeout <= 0 {
		return fmt.Errorf("WEB_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	return nil
}

func validateEndpoint(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s URL format: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a valid host", name)
	}
	return nil
}
