package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.True(t, cfg.Audit.TotalTolerance.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, 30*time.Second, cfg.Reasoning.AttemptTimeout)
	assert.Equal(t, 2, cfg.Reasoning.PrimaryRetries)
	assert.Empty(t, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NFAUDIT_TOTAL_TOLERANCE", "0.05")
	t.Setenv("NFAUDIT_PRIMARY_RETRIES", "1")
	t.Setenv("NFAUDIT_PROVIDER_ATTEMPT_TIMEOUT", "2s")
	t.Setenv("NFAUDIT_PRIMARY_PROVIDER_URL", "http://llm.local")
	t.Setenv("NFAUDIT_PRIMARY_PROVIDER_API_KEY", "secret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("NFAUDIT_BATCH_PARALLELISM", "not-a-number")

	cfg := FromEnv()

	assert.True(t, cfg.Audit.TotalTolerance.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 1, cfg.Reasoning.PrimaryRetries)
	assert.Equal(t, 2*time.Second, cfg.Reasoning.AttemptTimeout)
	assert.True(t, cfg.Reasoning.Primary.Enabled())
	assert.False(t, cfg.Reasoning.Secondary.Enabled())
	assert.NotContains(t, cfg.Reasoning.Primary.String(), "secret")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Audit.BatchParallelism)
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()
	cfg.Audit.TotalTolerance = decimal.RequireFromString("-1")
	cfg.Reasoning.MaxToolRounds = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tolerance")
	assert.Contains(t, err.Error(), "tool rounds")
}

func TestValidateReasoningBudget(t *testing.T) {
	tests := []struct {
		name      string
		secondary string
		attempt   time.Duration
		total     time.Duration
		wantErr   bool
	}{
		{name: "defaults with secondary", secondary: "http://backup.local", attempt: 30 * time.Second, total: 90 * time.Second},
		{name: "exactly one attempt each", secondary: "http://backup.local", attempt: 30 * time.Second, total: 60 * time.Second},
		{name: "secondary starved", secondary: "http://backup.local", attempt: 30 * time.Second, total: 45 * time.Second, wantErr: true},
		{name: "primary only", attempt: 30 * time.Second, total: 30 * time.Second},
		{name: "total shorter than one attempt", attempt: 30 * time.Second, total: 10 * time.Second, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			cfg.Reasoning.Secondary.BaseURL = tt.secondary
			cfg.Reasoning.AttemptTimeout = tt.attempt
			cfg.Reasoning.TotalTimeout = tt.total

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no full attempt per provider")
				return
			}
			require.NoError(t, err)
		})
	}
}
