package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"FHIR_SERVER_URL", "FHIR_RESOURCE_TYPE", "FHIR_VALIDATION_ENABLED",
	"AZURE_AUTHORITY_URL", "AZURE_TENANT_ID", "AZURE_CLIENT_ID",
	"AZURE_CLIENT_SECRET", "AZURE_CLIENT_SECRET_ENV", "AZURE_SCOPE", "AZURE_RESOURCE",
	"HTTP_TIMEOUT_MS", "RETRY_ATTEMPTS", "RETRY_BACKOFF_MS",
	"REDIS_URL", "PORT", "LOG_LEVEL", "LOG_PRETTY",
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
fhir:
  server_url: "https://fhir.example.com"
  resource_type: Patient
azure:
  tenant_id: tenant-1
  client_id: client-1
  client_secret_env: TEST_FHIR_SECRET
  resource: "https://fhir.example.com"
retry:
  attempts: 5
  backoff_ms: 250
redis:
  url: "redis://localhost:6379/0"
`

func TestLoad_Valid(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_FHIR_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://fhir.example.com", cfg.FHIR.ServerURL)
	assert.Equal(t, "Patient", cfg.FHIR.ResourceType)
	assert.Equal(t, "tenant-1", cfg.Azure.TenantID)
	assert.Equal(t, "client-1", cfg.Azure.ClientID)
	assert.Equal(t, "s3cret", cfg.Azure.ClientSecret())
	assert.Equal(t, "https://fhir.example.com", cfg.Azure.Resource)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff())
	assert.True(t, cfg.SharedStoreEnabled())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_FHIR_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, `
fhir:
  server_url: "https://fhir.example.com"
azure:
  tenant_id: tenant-1
  client_id: client-1
  client_secret_env: TEST_FHIR_SECRET
`))
	require.NoError(t, err)

	assert.True(t, cfg.FHIR.ValidationEnabled)
	assert.Equal(t, DefaultAuthorityURL, cfg.Azure.AuthorityURL)
	assert.Equal(t, DefaultScope, cfg.Azure.Scope)
	assert.Empty(t, cfg.Azure.Resource)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, DefaultRetryAttempts, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Backoff())
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.False(t, cfg.SharedStoreEnabled())
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("FHIR_SERVER_URL", "https://env.example.com/fhir")
	t.Setenv("AZURE_TENANT_ID", "tenant-env")
	t.Setenv("AZURE_CLIENT_ID", "client-env")
	t.Setenv("AZURE_CLIENT_SECRET", "env-secret")
	t.Setenv("FHIR_VALIDATION_ENABLED", "false")
	t.Setenv("HTTP_TIMEOUT_MS", "5000")
	t.Setenv("RETRY_ATTEMPTS", "0")
	t.Setenv("PORT", "9090")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/fhir", cfg.FHIR.ServerURL)
	assert.Equal(t, "env-secret", cfg.Azure.ClientSecret())
	assert.False(t, cfg.FHIR.ValidationEnabled)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, 0, cfg.Retry.Attempts)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_FHIR_SECRET", "s3cret")
	t.Setenv("RETRY_ATTEMPTS", "1")
	t.Setenv("FHIR_RESOURCE_TYPE", "Observation")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Retry.Attempts)
	assert.Equal(t, "Observation", cfg.FHIR.ResourceType)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing server url",
			env:     map[string]string{"FHIR_SERVER_URL": ""},
			wantErr: "fhir.server_url is required",
		},
		{
			name:    "http server url",
			env:     map[string]string{"FHIR_SERVER_URL": "http://fhir.example.com"},
			wantErr: "must use https",
		},
		{
			name:    "missing tenant",
			env:     map[string]string{"AZURE_TENANT_ID": ""},
			wantErr: "azure.tenant_id is required",
		},
		{
			name:    "missing client id",
			env:     map[string]string{"AZURE_CLIENT_ID": ""},
			wantErr: "azure.client_id is required",
		},
		{
			name:    "missing secret",
			env:     map[string]string{"AZURE_CLIENT_SECRET": ""},
			wantErr: "set AZURE_CLIENT_SECRET",
		},
		{
			name:    "timeout too small",
			env:     map[string]string{"HTTP_TIMEOUT_MS": "999"},
			wantErr: "http.timeout_ms must be >= 1000",
		},
		{
			name:    "negative attempts",
			env:     map[string]string{"RETRY_ATTEMPTS": "-1"},
			wantErr: "retry.attempts must be >= 0",
		},
		{
			name:    "backoff too small",
			env:     map[string]string{"RETRY_BACKOFF_MS": "50"},
			wantErr: "retry.backoff_ms must be >= 100",
		},
		{
			name:    "non numeric attempts",
			env:     map[string]string{"RETRY_ATTEMPTS": "three"},
			wantErr: "RETRY_ATTEMPTS: invalid integer",
		},
		{
			name:    "non boolean validation flag",
			env:     map[string]string{"FHIR_VALIDATION_ENABLED": "maybe"},
			wantErr: "FHIR_VALIDATION_ENABLED: invalid boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("FHIR_SERVER_URL", "https://fhir.example.com")
			t.Setenv("AZURE_TENANT_ID", "tenant")
			t.Setenv("AZURE_CLIENT_ID", "client")
			t.Setenv("AZURE_CLIENT_SECRET", "secret")
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ValidationErrorsWrapErrInvalid(t *testing.T) {
	clearEnv(t)
	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read file")

	_, err = Load(writeConfig(t, "fhir: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")
}
