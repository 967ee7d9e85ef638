package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// Environment variable names.
const (
	EnvPort                  = "PORT"
	EnvPostgresURL           = "POSTGRES_URL"
	EnvPostgresSchema        = "POSTGRES_SCHEMA"
	EnvKafkaBrokers          = "KAFKA_BROKERS"
	EnvOrderEventsTopic      = "ORDER_EVENTS_TOPIC"
	EnvConsumerGroup         = "KAFKA_CONSUMER_GROUP"
	EnvRedisAddr             = "REDIS_ADDR"
	EnvRedisPassword         = "REDIS_PASSWORD"
	EnvRedisDB               = "REDIS_DB"
	EnvStatsCacheTTL         = "STATS_CACHE_TTL"
	EnvShippingFee           = "SHIPPING_FEE"
	EnvFreeShippingThreshold = "FREE_SHIPPING_THRESHOLD"
	EnvTaxRate               = "TAX_RATE"
	EnvOTLPEndpoint          = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvLogLevel              = "LOG_LEVEL"
	EnvOrdersServiceURL      = "ORDERS_SERVICE_URL"
	EnvCatalogServiceURL     = "CATALOG_SERVICE_URL"
	EnvEmailServiceURL       = "EMAIL_SERVICE_URL"
	EnvRecipientDomain       = "NOTIFY_RECIPIENT_DOMAIN"
	EnvBreakerFailures       = "EMAIL_BREAKER_FAILURES"
	EnvBreakerTimeout        = "EMAIL_BREAKER_TIMEOUT"
	EnvMigrationsPath        = "MIGRATIONS_PATH"
)

const (
	defaultSchema          = "bookstore"
	defaultTopic           = "bookstore.orders"
	defaultConsumerGroup   = "notification-worker"
	defaultStatsCacheTTL   = 30 * time.Second
	defaultOTLPEndpoint    = "localhost:4317"
	defaultRecipientDomain = "example.com"
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultMigrationsPath  = "file://migrations"
)

type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Pricing       domain.Pricing
	Telemetry     TelemetryConfig
	Services      ServiceURLs
	Notifications NotificationConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	URL            string
	Schema         string
	MigrationsPath string
}

// KafkaConfig is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// RedisConfig is disabled when Addr is empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StatsTTL time.Duration
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type TelemetryConfig struct {
	OTLPEndpoint string
	LogLevel     slog.Level
}

type ServiceURLs struct {
	Orders  string
	Catalog string
	Email   string
}

type NotificationConfig struct {
	RecipientDomain     string
	BreakerFailures     uint32
	BreakerOpenDuration time.Duration
}

// ValidationError lists every variable that was missing or unparsable.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

type Option func(*loaderOptions)

type loaderOptions struct {
	envMap       map[string]string
	useSystemEnv bool
	required     []string
	defaultPort  string
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithRequired marks variables the calling service cannot start without.
func WithRequired(names ...string) Option {
	return func(o *loaderOptions) {
		o.required = append(o.required, names...)
	}
}

// WithDefaultPort sets the listen port used when PORT is unset.
func WithDefaultPort(port string) Option {
	return func(o *loaderOptions) {
		o.defaultPort = port
	}
}

func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		useSystemEnv: true,
		defaultPort:  "8080",
	}
	for _, opt := range opts {
		opt(&options)
	}

	p := parser{lookup: func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			return os.LookupEnv(key)
		}
		return "", false
	}}

	cfg := Config{
		Server: ServerConfig{
			Port:            p.str(EnvPort, options.defaultPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			URL:            p.str(EnvPostgresURL, ""),
			Schema:         p.str(EnvPostgresSchema, defaultSchema),
			MigrationsPath: p.str(EnvMigrationsPath, defaultMigrationsPath),
		},
		Kafka: KafkaConfig{
			Brokers:       p.list(EnvKafkaBrokers),
			Topic:         p.str(EnvOrderEventsTopic, defaultTopic),
			ConsumerGroup: p.str(EnvConsumerGroup, defaultConsumerGroup),
		},
		Redis: RedisConfig{
			Addr:     p.str(EnvRedisAddr, ""),
			Password: p.str(EnvRedisPassword, ""),
			DB:       p.integer(EnvRedisDB, 0),
			StatsTTL: p.duration(EnvStatsCacheTTL, defaultStatsCacheTTL),
		},
		Pricing: domain.Pricing{
			ShippingFee:           p.money(EnvShippingFee),
			FreeShippingThreshold: p.money(EnvFreeShippingThreshold),
			TaxRate:               p.money(EnvTaxRate),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: p.str(EnvOTLPEndpoint, defaultOTLPEndpoint),
			LogLevel:     p.level(EnvLogLevel),
		},
		Services: ServiceURLs{
			Orders:  p.str(EnvOrdersServiceURL, ""),
			Catalog: p.str(EnvCatalogServiceURL, ""),
			Email:   p.str(EnvEmailServiceURL, ""),
		},
		Notifications: NotificationConfig{
			RecipientDomain:     p.str(EnvRecipientDomain, defaultRecipientDomain),
			BreakerFailures:     uint32(p.integer(EnvBreakerFailures, defaultBreakerFailures)),
			BreakerOpenDuration: p.duration(EnvBreakerTimeout, defaultBreakerTimeout),
		},
	}

	for _, name := range options.required {
		if value, ok := p.lookup(name); !ok || strings.TrimSpace(value) == "" {
			p.invalid = append(p.invalid, name)
		}
	}
	if cfg.Pricing.ShippingFee.IsNegative() || cfg.Pricing.FreeShippingThreshold.IsNegative() {
		p.invalid = append(p.invalid, EnvShippingFee)
	}
	if cfg.Pricing.TaxRate.IsNegative() || cfg.Pricing.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		p.invalid = append(p.invalid, EnvTaxRate)
	}
	if cfg.Redis.StatsTTL <= 0 {
		p.invalid = append(p.invalid, EnvStatsCacheTTL)
	}

	if len(p.invalid) > 0 {
		sort.Strings(p.invalid)
		return Config{}, &ValidationError{fields: compact(p.invalid)}
	}
	return cfg, nil
}

// parser reads typed values and records every variable it could not parse.
type parser struct {
	lookup  func(string) (string, bool)
	invalid []string
}

func (p *parser) raw(key string) (string, bool) {
	value, ok := p.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (p *parser) str(key, fallback string) string {
	if value, ok := p.raw(key); ok {
		return value
	}
	return fallback
}

func (p *parser) list(key string) []string {
	value, ok := p.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) integer(key string, fallback int) int {
	value, ok := p.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	value, ok := p.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return d
}

func (p *parser) money(key string) decimal.Decimal {
	value, ok := p.raw(key)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return decimal.Zero
	}
	return d
}

func (p *parser) level(key string) slog.Level {
	value, ok := p.raw(key)
	if !ok {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		p.invalid = append(p.invalid, key)
		return slog.LevelInfo
	}
	return level
}

func compact(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
