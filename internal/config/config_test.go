package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("CACHE_TTL_HOURS", "6")
	t.Setenv("CAP_MARGIN", "0.8")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("RETRY_BACKOFF_BASE_MS", "250")
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("SYNC_JURISDICTIONS", "0301, 4601,,5001")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Cache.TTL != 6*time.Hour {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 6*time.Hour)
	}
	if cfg.Sync.CapMargin != 0.8 {
		t.Errorf("Sync.CapMargin = %v, want 0.8", cfg.Sync.CapMargin)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %v, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.RetryBackoffBase != 250*time.Millisecond {
		t.Errorf("Sync.RetryBackoffBase = %v, want 250ms", cfg.Sync.RetryBackoffBase)
	}
	if cfg.Sync.WorkerConcurrency != 7 {
		t.Errorf("Sync.WorkerConcurrency = %v, want 7", cfg.Sync.WorkerConcurrency)
	}
	assert.Equal(t, []string{"0301", "4601", "5001"}, cfg.Sync.Jurisdictions)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.9, cfg.Sync.CapMargin)
	assert.Equal(t, 10000, cfg.Upstream.ResultCap)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "log", cfg.Events.Sink)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"cap margin above one", "CAP_MARGIN", "1.5"},
		{"zero workers", "WORKER_CONCURRENCY", "0"},
		{"unknown cache backend", "CACHE_BACKEND", "memcached"},
		{"redis cache without redis", "CACHE_BACKEND", "redis"},
		{"clickhouse sink without clickhouse", "EVENT_SINK", "clickhouse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{"returns integer when valid", "TEST_INT", 100, "200", 200},
		{"returns default when invalid", "TEST_INT_INVALID", 100, "invalid", 100},
		{"returns default when not set", "TEST_INT_NOTSET", 100, "", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{"returns duration when valid", "TEST_DURATION", 10 * time.Second, "30s", 30 * time.Second},
		{"returns default when invalid", "TEST_DURATION_INVALID", 10 * time.Second, "invalid", 10 * time.Second},
		{"returns default when not set", "TEST_DURATION_NOTSET", 10 * time.Second, "", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDate(t *testing.T) {
	def := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Setenv("TEST_DATE", "2015-06-30")
	assert.Equal(t, time.Date(2015, 6, 30, 0, 0, 0, 0, time.UTC), getEnvAsDate("TEST_DATE", def))

	t.Setenv("TEST_DATE_BAD", "30/06/2015")
	assert.Equal(t, def, getEnvAsDate("TEST_DATE_BAD", def))
}

func TestLoadDetectionPolicy_Defaults(t *testing.T) {
	policy, err := LoadDetectionPolicy("")
	require.NoError(t, err)

	assert.Equal(t, 365, policy.BankruptcyWindowDays)
	assert.Equal(t, 365*24*time.Hour, policy.BankruptcyWindow())
	assert.Equal(t, 180*24*time.Hour, policy.RecentRegistration())
	assert.Empty(t, policy.PostalCodes)
}

func TestLoadDetectionPolicy_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detection.yaml")
	content := `
bankruptcy_window_days: 180
recent_registration_days: 90
high_risk_industries:
  - "68.100"
jurisdictions:
  - id: "0301"
    name: "Oslo"
  - id: "4601"
    name: "Bergen"
    aliases: ["Bjørgvin"]
postal_codes:
  "0150": "0301"
  "5003": "4601"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("DETECTION_RECENT_REGISTRATION_DAYS", "30")
	t.Setenv("DETECTION_HIGH_RISK_INDUSTRIES", "64.190, 68.100")

	policy, err := LoadDetectionPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 180, policy.BankruptcyWindowDays)
	assert.Equal(t, 30, policy.RecentRegistrationDays)
	assert.Equal(t, []string{"64.190", "68.100"}, policy.HighRiskIndustries)
	require.Len(t, policy.Jurisdictions, 2)
	assert.Equal(t, []string{"Bjørgvin"}, policy.Jurisdictions[1].Aliases)
	assert.Equal(t, "4601", policy.PostalCodes["5003"])
}

func TestLoadDetectionPolicy_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detection.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bankruptcy_window_days: 0\n"), 0o600))

	_, err := LoadDetectionPolicy(path)
	assert.Error(t, err)

	_, err = LoadDetectionPolicy(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDetectionPolicy_ExampleFile(t *testing.T) {
	policy, err := LoadDetectionPolicy("../../configs/detection_policy.example.yaml")
	require.NoError(t, err)

	assert.Len(t, policy.Jurisdictions, 4)
	assert.Contains(t, policy.HighRiskIndustries, "43")
	assert.Equal(t, "5001", policy.PostalCodes["7010"])
}
