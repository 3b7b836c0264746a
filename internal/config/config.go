// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/multi-agent/go-meeting-orchestrator/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// LLM / providers
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	GeminiBaseURL   string `env:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com"`

	// Gateway
	GatewayMaxAttempts int `env:"GATEWAY_MAX_ATTEMPTS" default:"2" min:"1"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// Meeting defaults (used when a MeetingConfig omits the field)
	DefaultAvgScoreThreshold int `env:"MEETING_AVG_SCORE_THRESHOLD" default:"80" min:"0"`
	DefaultMinRounds         int `env:"MEETING_MIN_ROUNDS" default:"2" min:"0"`
	DefaultMaxRounds         int `env:"MEETING_MAX_ROUNDS" default:"8" min:"1"`
	DefaultAutoParallelMin   int `env:"MEETING_AUTO_PARALLEL_MIN_AGENTS" default:"6" min:"1"`
	DefaultCrossReplyTargets int `env:"MEETING_CROSS_REPLY_TARGETS" default:"2" min:"0"`
	DefaultVoteTimeoutMS     int `env:"MEETING_VOTE_TIMEOUT_MS" default:"15000" min:"1"`
	DefaultFacilitatorTimeoutMS int `env:"MEETING_FACILITATOR_TIMEOUT_MS" default:"90000" min:"1"`

	// Event bus
	EventSubscriberBufferSize int `env:"EVENT_SUBSCRIBER_BUFFER_SIZE" default:"256" min:"1"`

	// HTTP surface
	HTTPAddr       string `env:"HTTP_ADDR" default:":8080"`
	GinMode        string `env:"GIN_MODE" default:"release"`
	TrustedProxies string `env:"TRUSTED_PROXIES"`

	// 运行环境 (development 启用 text 日志与 source 定位, 其余为 JSON)
	AppEnv string `env:"APP_ENV" default:"production"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
