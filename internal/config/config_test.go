package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(WithoutSystemEnv(), WithDefaultPort("8081"))
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, "bookstore", cfg.Postgres.Schema)
	assert.Equal(t, "file://migrations", cfg.Postgres.MigrationsPath)
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, "bookstore.orders", cfg.Kafka.Topic)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Redis.StatsTTL)
	assert.True(t, cfg.Pricing.ShippingFee.IsZero())
	assert.True(t, cfg.Pricing.TaxRate.IsZero())
	assert.Equal(t, slog.LevelInfo, cfg.Telemetry.LogLevel)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, uint32(5), cfg.Notifications.BreakerFailures)
}

func TestLoadOverrides(t *testing.T) {
	env := map[string]string{
		EnvPort:                  "9000",
		EnvPostgresURL:           "postgres://u:p@db:5432/shop?sslmode=disable",
		EnvKafkaBrokers:          "kafka-1:9092, kafka-2:9092,",
		EnvRedisAddr:             "redis:6379",
		EnvStatsCacheTTL:         "2m",
		EnvShippingFee:           "4.99",
		EnvFreeShippingThreshold: "100",
		EnvTaxRate:               "0.15",
		EnvLogLevel:              "debug",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithRequired(EnvPostgresURL))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2*time.Minute, cfg.Redis.StatsTTL)
	assert.Equal(t, "4.99", cfg.Pricing.ShippingFee.String())
	assert.Equal(t, "100", cfg.Pricing.FreeShippingThreshold.String())
	assert.Equal(t, "0.15", cfg.Pricing.TaxRate.String())
	assert.Equal(t, slog.LevelDebug, cfg.Telemetry.LogLevel)
}

func TestLoadValidation(t *testing.T) {
	env := map[string]string{
		EnvStatsCacheTTL: "soon",
		EnvTaxRate:       "1.5",
		EnvShippingFee:   "free",
		EnvLogLevel:      "loud",
	}

	_, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithRequired(EnvPostgresURL, EnvKafkaBrokers))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{
		EnvKafkaBrokers,
		EnvLogLevel,
		EnvPostgresURL,
		EnvShippingFee,
		EnvStatsCacheTTL,
		EnvTaxRate,
	}, verr.Fields())
	assert.Contains(t, err.Error(), EnvPostgresURL)
}

func TestLoadRejectsBlankRequired(t *testing.T) {
	_, err := Load(WithEnvMap(map[string]string{EnvPostgresURL: "   "}), WithoutSystemEnv(), WithRequired(EnvPostgresURL))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{EnvPostgresURL}, verr.Fields())
}
