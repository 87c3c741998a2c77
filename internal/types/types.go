package types

import (
	"fmt"
	"time"
)

// ProcessingError represents an error that occurred during a pipeline run
type ProcessingError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Reference  string    `json:"reference"`
	Timestamp  time.Time `json:"timestamp"`
	Retryable  bool      `json:"retryable"`
	RetryCount int       `json:"retry_count"`
}

// Error implements the error interface for ProcessingError
func (pe *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s (ref: %s)", pe.Type, pe.Message, pe.Reference)
}

// IsRetryable returns whether this error type should be retried
func (pe *ProcessingError) IsRetryable() bool {
	return pe.Retryable && pe.RetryCount < 3 // Maximum 3 retries
}

// IncrementRetry increments the retry count
func (pe *ProcessingError) IncrementRetry() {
	pe.RetryCount++
}

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	ErrorTypeSlackAPI       ErrorType = "slack_api"
	ErrorTypeEmbedding      ErrorType = "embedding_generation"
	ErrorTypeVectorIndex    ErrorType = "vector_index"
	ErrorTypeCompletion     ErrorType = "completion"
	ErrorTypeStore          ErrorType = "store"
	ErrorTypeNetworkTimeout ErrorType = "network_timeout"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Config represents the application configuration
type Config struct {
	// Slack configuration
	SlackToken     string `json:"slack_token" env:"SLACK_TOKEN,required=true" yaml:"slack_token"`
	SlackUserToken string `json:"slack_user_token" env:"SLACK_USER_TOKEN" yaml:"slack_user_token"`

	// OpenAI embeddings configuration
	OpenAIAPIKey   string `json:"openai_api_key" env:"OPENAI_API_KEY,required=true" yaml:"openai_api_key"`
	OpenAIBaseURL  string `json:"openai_base_url" env:"OPENAI_BASE_URL,default=https://api.openai.com/v1" yaml:"openai_base_url"`
	EmbeddingModel string `json:"embedding_model" env:"EMBEDDING_MODEL,default=text-embedding-3-small" yaml:"embedding_model"`

	// Anthropic configuration
	AnthropicAPIKey  string `json:"anthropic_api_key" env:"ANTHROPIC_API_KEY,required=true" yaml:"anthropic_api_key"`
	AnthropicBaseURL string `json:"anthropic_base_url" env:"ANTHROPIC_BASE_URL,default=https://api.anthropic.com" yaml:"anthropic_base_url"`
	ClaudeModel      string `json:"claude_model" env:"CLAUDE_MODEL,default=claude-3-7-sonnet-20250219" yaml:"claude_model"`
	ClaudeMaxTokens  int    `json:"claude_max_tokens" env:"CLAUDE_MAX_TOKENS,default=2000" yaml:"claude_max_tokens"`

	// ChromaDB configuration
	ChromaURL        string `json:"chroma_url" env:"CHROMA_URL,default=http://localhost:8000" yaml:"chroma_url"`
	ChromaCollection string `json:"chroma_collection" env:"CHROMA_COLLECTION,default=slack-messages" yaml:"chroma_collection"`
	ChromaTenant     string `json:"chroma_tenant" env:"CHROMA_TENANT,default=default_tenant" yaml:"chroma_tenant"`
	ChromaDatabase   string `json:"chroma_database" env:"CHROMA_DATABASE,default=default_database" yaml:"chroma_database"`

	// Data warehouse configuration
	DataDir           string        `json:"data_dir" env:"SLACKRAG_DATA_DIR" yaml:"data_dir"`
	DBMaxOpenConns    int           `json:"db_max_open_conns" env:"DB_MAX_OPEN_CONNS,default=5" yaml:"db_max_open_conns"`
	DBMaxIdleConns    int           `json:"db_max_idle_conns" env:"DB_MAX_IDLE_CONNS,default=2" yaml:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `json:"db_conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME,default=1h" yaml:"db_conn_max_lifetime"`
	CacheTTL          time.Duration `json:"cache_ttl" env:"CACHE_TTL,default=1h" yaml:"cache_ttl"`
	CacheMaxSize      int           `json:"cache_max_size" env:"CACHE_MAX_SIZE,default=1000" yaml:"cache_max_size"`
	SyncTTL           time.Duration `json:"sync_ttl" env:"SYNC_TTL,default=24h" yaml:"sync_ttl"`

	// Pipe-separated prefixes that mark a channel as a client channel
	ChannelNamePatternsStr string   `json:"-" env:"CHANNEL_NAME_PATTERNS,default=candidatelabs|candidate-labs|clientchannel" yaml:"channel_name_patterns"`
	ChannelNamePatterns    []string `json:"channel_name_patterns" env:"-" yaml:"-"`

	// Slack API rate limiting and retries
	SlackRateLimit  float64       `json:"slack_rate_limit" env:"SLACK_RATE_LIMIT,default=0.8" yaml:"slack_rate_limit"`
	SlackRateBurst  int           `json:"slack_rate_burst" env:"SLACK_RATE_BURST,default=1" yaml:"slack_rate_burst"`
	RetryAttempts   int           `json:"retry_attempts" env:"RETRY_ATTEMPTS,default=3" yaml:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay" env:"RETRY_DELAY,default=1s" yaml:"retry_delay"`
	Concurrency     int           `json:"concurrency" env:"CONCURRENCY,default=10" yaml:"concurrency"`
	MinMessageLen   int           `json:"min_message_len" env:"MIN_MESSAGE_LEN,default=0" yaml:"min_message_len"`
	RequestTimeout  time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT,default=60s" yaml:"request_timeout"`
	DefaultTimezone string        `json:"default_timezone" env:"DEFAULT_TIMEZONE,default=America/Chicago" yaml:"default_timezone"`

	// OpenTelemetry configuration
	OTelEnabled              bool    `json:"otel_enabled" env:"OTEL_ENABLED,default=false" yaml:"otel_enabled"`
	OTelServiceName          string  `json:"otel_service_name" env:"OTEL_SERVICE_NAME,default=slackrag" yaml:"otel_service_name"`
	OTelExporterOTLPEndpoint string  `json:"otel_exporter_otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otel_exporter_otlp_endpoint"`
	OTelExporterOTLPProtocol string  `json:"otel_exporter_otlp_protocol" env:"OTEL_EXPORTER_OTLP_PROTOCOL,default=http/protobuf" yaml:"otel_exporter_otlp_protocol"`
	OTelResourceAttributes   string  `json:"otel_resource_attributes" env:"OTEL_RESOURCE_ATTRIBUTES" yaml:"otel_resource_attributes"`
	OTelTracesSampler        string  `json:"otel_traces_sampler" env:"OTEL_TRACES_SAMPLER,default=always_on" yaml:"otel_traces_sampler"`
	OTelTracesSamplerArg     float64 `json:"otel_traces_sampler_arg" env:"OTEL_TRACES_SAMPLER_ARG,default=1.0" yaml:"otel_traces_sampler_arg"`

	// Web app configuration
	WebHost            string        `json:"web_host" env:"WEB_HOST,default=localhost" yaml:"web_host"`
	WebPort            int           `json:"web_port" env:"WEB_PORT,default=8080" yaml:"web_port"`
	WebReadTimeout     time.Duration `json:"web_read_timeout" env:"WEB_READ_TIMEOUT,default=30s" yaml:"web_read_timeout"`
	WebWriteTimeout    time.Duration `json:"web_write_timeout" env:"WEB_WRITE_TIMEOUT,default=120s" yaml:"web_write_timeout"`
	WebIdleTimeout     time.Duration `json:"web_idle_timeout" env:"WEB_IDLE_TIMEOUT,default=120s" yaml:"web_idle_timeout"`
	WebShutdownTimeout time.Duration `json:"web_shutdown_timeout" env:"WEB_SHUTDOWN_TIMEOUT,default=30s" yaml:"web_shutdown_timeout"`
	OutputDir          string        `json:"output_dir" env:"OUTPUT_DIR,default=./reports" yaml:"output_dir"`
}
