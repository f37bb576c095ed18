package config

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/harness/testerr"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// environment keys, also accepted (lowercase) in a config file
const (
	KafkaBrokers    string = "KAFKA_BROKERS"
	KafkaClientID   string = "KAFKA_CLIENT_ID"
	KafkaTimeout    string = "KAFKA_TIMEOUT"
	KafkaRetries    string = "KAFKA_RETRIES"
	KafkaRetryDelay string = "KAFKA_RETRY_DELAY_MS"
	KafkaTransport  string = "KAFKA_TRANSPORT"
	APIBaseURL      string = "API_BASE_URL"
	APITimeout      string = "API_TIMEOUT"
	APIRetries      string = "API_RETRIES"
	APIRetryDelay   string = "API_RETRY_DELAY_MS"
	APIRateLimit    string = "API_RATE_LIMIT"
	TestTimeout     string = "TEST_TIMEOUT"
	TestRetries     string = "TEST_RETRIES"
	LogLevel        string = "LOG_LEVEL"
	AppEnv          string = "APP_ENV"
)

var defaults = map[string]any{
	KafkaBrokers:    "localhost:9092",
	KafkaClientID:   "api-test-framework",
	KafkaTimeout:    30000,
	KafkaRetries:    3,
	KafkaRetryDelay: 1000,
	KafkaTransport:  "kafka",
	APIBaseURL:      "https://api.escuelajs.co",
	APITimeout:      10000,
	APIRetries:      3,
	APIRetryDelay:   200,
	APIRateLimit:    0,
	TestTimeout:     20000,
	TestRetries:     1,
	LogLevel:        "info",
	AppEnv:          "development",
}

var logLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

type Config struct {
	Kafka KafkaConfig
	API   APIConfig
	Test  TestConfig

	LogLevel string
	Env      string
}

type KafkaConfig struct {
	Brokers    []string
	ClientID   string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Transport  string
}

type APIConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// RateLimit is in requests per second, 0 disables it.
	RateLimit float64
}

// TestConfig carries the per-test budget for suites built on the harness.
type TestConfig struct {
	Timeout time.Duration
	Retries int
}

// Load reads the given .env files (or ./.env if present when none are
// given), then the optional config file, then the process environment.
// Environment values win over the file, the file wins over defaults.
func Load(configFile string, envFiles ...string) (*Config, error) {
	const op = errors.Op("config_load")

	if len(envFiles) == 0 {
		// a missing ./.env is fine
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, testerr.ConfigError(errors.E(op, err), "failed to load env files: "+err.Error())
	}

	v := newViper()
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, testerr.ConfigError(errors.E(op, err), "failed to read config file "+configFile+": "+err.Error())
		}
	}

	return build(v)
}

// FromValues builds a Config from explicit key/value pairs on top of the
// defaults, ignoring the environment.
func FromValues(values map[string]any) (*Config, error) {
	v := newViper()
	for k, val := range values {
		v.Set(k, val)
	}

	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func build(v *viper.Viper) (*Config, error) {
	p := &parser{v: v}

	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:    p.list(KafkaBrokers),
			ClientID:   strings.TrimSpace(v.GetString(KafkaClientID)),
			Timeout:    p.millis(KafkaTimeout),
			Retries:    p.int(KafkaRetries),
			RetryDelay: p.millis(KafkaRetryDelay),
			Transport:  strings.ToLower(strings.TrimSpace(v.GetString(KafkaTransport))),
		},
		API: APIConfig{
			BaseURL:    strings.TrimSpace(v.GetString(APIBaseURL)),
			Timeout:    p.millis(APITimeout),
			Retries:    p.int(APIRetries),
			RetryDelay: p.millis(APIRetryDelay),
			RateLimit:  p.float(APIRateLimit),
		},
		Test: TestConfig{
			Timeout: p.millis(TestTimeout),
			Retries: p.int(TestRetries),
		},
		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString(LogLevel))),
		Env:      strings.ToLower(strings.TrimSpace(v.GetString(AppEnv))),
	}

	problems := append(p.problems, cfg.validate()...)
	if len(problems) > 0 {
		te := testerr.New(testerr.Config, "INVALID_CONFIG", "configuration validation failed: "+strings.Join(problems, ", "))
		te.Context = map[string]any{"problems": problems}
		return nil, te
	}

	return cfg, nil
}

func (c *Config) validate() []string {
	var problems []string

	if c.Kafka.Timeout <= 0 {
		problems = append(problems, KafkaTimeout+" must be positive")
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, APITimeout+" must be positive")
	}
	if c.Test.Timeout <= 0 {
		problems = append(problems, TestTimeout+" must be positive")
	}

	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, APIBaseURL+" must be a valid HTTP URL")
	}

	if len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "at least one Kafka broker must be specified")
	}

	if c.Kafka.Transport != "kafka" && c.Kafka.Transport != "memory" {
		problems = append(problems, KafkaTransport+" must be one of: kafka, memory")
	}

	if c.Kafka.Retries < 1 {
		problems = append(problems, KafkaRetries+" must be at least 1")
	}
	if c.API.Retries < 1 {
		problems = append(problems, APIRetries+" must be at least 1")
	}
	if c.Kafka.RetryDelay < 0 || c.API.RetryDelay < 0 {
		problems = append(problems, "retry delays must not be negative")
	}
	if c.API.RateLimit < 0 {
		problems = append(problems, APIRateLimit+" must not be negative")
	}

	if !slices.Contains(logLevels, c.LogLevel) {
		problems = append(problems, LogLevel+" must be one of: "+strings.Join(logLevels, ", "))
	}

	return problems
}

// parser reads typed values and remembers the keys that failed to parse.
type parser struct {
	v        *viper.Viper
	problems []string
}

func (p *parser) int(key string) int {
	n, err := cast.ToIntE(p.v.Get(key))
	if err != nil {
		p.problems = append(p.problems, key+" must be an integer")
	}
	return n
}

func (p *parser) float(key string) float64 {
	f, err := cast.ToFloat64E(p.v.Get(key))
	if err != nil {
		p.problems = append(p.problems, key+" must be a number")
	}
	return f
}

func (p *parser) millis(key string) time.Duration {
	return time.Duration(p.int(key)) * time.Millisecond
}

// list accepts a comma separated string or a list from a config file.
func (p *parser) list(key string) []string {
	var raw []string
	switch val := p.v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = cast.ToStringSlice(val)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
