package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	// Set valid environment variables
	_ = os.Setenv("PORT", "8002")
	_ = os.Setenv("ADDRESS", "127.0.0.1")
	_ = os.Setenv("ENV", "dev")
	_ = os.Setenv("LOG_LEVEL", "info")
	_ = os.Setenv("FHIR_BASE", "https://fhir.example.org/r4/")
	_ = os.Setenv("FHIR_TIMEOUT", "30s")
	defer cleanupEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Port != "8002" {
		t.Errorf("Expected port 8002, got %s", cfg.Port)
	}
	if cfg.Address != "127.0.0.1" {
		t.Errorf("Expected address 127.0.0.1, got %s", cfg.Address)
	}
	if cfg.Env != EnvDevelopment {
		t.Errorf("Expected env dev, got %s", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.FHIRBase != "https://fhir.example.org/r4" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", cfg.FHIRBase)
	}
	if cfg.FHIRTimeout != 30*time.Second {
		t.Errorf("Expected FHIR timeout 30s, got %s", cfg.FHIRTimeout)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("Expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Address != "127.0.0.1" {
		t.Errorf("Expected default address 127.0.0.1, got %s", cfg.Address)
	}
	if cfg.Env != EnvDevelopment {
		t.Errorf("Expected default env dev, got %s", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.FHIRBase != DefaultFHIRBase {
		t.Errorf("Expected default FHIR base %s, got %s", DefaultFHIRBase, cfg.FHIRBase)
	}
	if cfg.FHIRMode != FHIRModeLive {
		t.Errorf("Expected default FHIR mode live, got %s", cfg.FHIRMode)
	}
	if cfg.FHIRTimeout != 15*time.Second {
		t.Errorf("Expected default FHIR timeout 15s, got %s", cfg.FHIRTimeout)
	}
	if cfg.FHIRPageSize != 50 {
		t.Errorf("Expected default page size 50, got %d", cfg.FHIRPageSize)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("Expected default cache TTL 5m, got %s", cfg.CacheTTL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("Expected default origins [*], got %v", cfg.AllowedOrigins)
	}
	if cfg.IsSimulated() {
		t.Error("Expected live mode by default")
	}
}

func TestInvalidPort(t *testing.T) {
	// Empty string is excluded since it uses the default
	testCases := []struct {
		port     string
		expected string
	}{
		{"abc", "PORT must be a valid number"},
		{"0", "PORT must be between 1 and 65535"},
		{"65536", "PORT must be between 1 and 65535"},
		{"80", "PORT 80 is privileged"},
	}

	defer cleanupEnv()
	for _, tc := range testCases {
		_ = os.Setenv("PORT", tc.port)

		_, err := Load()
		if err == nil {
			t.Errorf("Expected error for port %s, got nil", tc.port)
			continue
		}
		if !strings.Contains(err.Error(), tc.expected) {
			t.Errorf("Expected error containing %q, got %v", tc.expected, err)
		}
	}
}

func TestInvalidAddress(t *testing.T) {
	testCases := []struct {
		address  string
		expected string
	}{
		{"invalid", "ADDRESS must be a valid IP address"},
		{"8.8.8.8", "is a public IP"},
	}

	defer cleanupEnv()
	for _, tc := range testCases {
		_ = os.Setenv("ADDRESS", tc.address)

		_, err := Load()
		if err == nil {
			t.Errorf("Expected error for address %s, got nil", tc.address)
			continue
		}
		if !strings.Contains(err.Error(), tc.expected) {
			t.Errorf("Expected error containing %q, got %v", tc.expected, err)
		}
	}
}

func TestInvalidValues(t *testing.T) {
	testCases := []struct {
		name     string
		key      string
		value    string
		expected string
	}{
		{"env", "ENV", "invalid", "ENV must be one of"},
		{"log level", "LOG_LEVEL", "invalid", "LOG_LEVEL must be one of"},
		{"fhir mode", "FHIR_MODE", "mock", "FHIR_MODE must be one of"},
		{"fhir base scheme", "FHIR_BASE", "ftp://fhir.example.org", "scheme must be http or https"},
		{"fhir base host", "FHIR_BASE", "https://", "host cannot be empty"},
		{"page size", "FHIR_PAGE_SIZE", "5000", "FHIR_PAGE_SIZE"},
		{"refresh too short", "TERMINOLOGY_REFRESH", "10s", "TERMINOLOGY_REFRESH"},
		{"probe too short", "UPSTREAM_PROBE_INTERVAL", "1s", "UPSTREAM_PROBE_INTERVAL"},
		{"cache entries", "CACHE_MAX_ENTRIES", "0", "CACHE_MAX_ENTRIES"},
		{"terminology url", "TERMINOLOGY_URL", "not a url", "TERMINOLOGY_URL"},
		{"origins", "ALLOWED_ORIGINS", " , ", "ALLOWED_ORIGINS"},
		{"proxy address", "TRUSTED_PROXIES", "10.0.0.1, proxy.internal", "TRUSTED_PROXIES"},
		{"proxy range", "TRUSTED_PROXIES", "10.0.0.0/33", "TRUSTED_PROXIES"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cleanupEnv()
			defer cleanupEnv()
			_ = os.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Expected error for %s=%s, got nil", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.expected) {
				t.Errorf("Expected error containing %q, got %v", tc.expected, err)
			}
		})
	}
}

func TestSimulatedModeSkipsBaseValidation(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()
	_ = os.Setenv("FHIR_MODE", "SIM")
	_ = os.Setenv("FHIR_BASE", "not-a-url")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !cfg.IsSimulated() {
		t.Error("Expected simulated mode")
	}
}

func TestDurationParsing(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()
	_ = os.Setenv("CACHE_TTL", "90")
	_ = os.Setenv("FHIR_TIMEOUT", "garbage")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Errorf("Expected bare seconds to parse, got %s", cfg.CacheTTL)
	}
	if cfg.FHIRTimeout != 15*time.Second {
		t.Errorf("Expected unparsable duration to fall back to default, got %s", cfg.FHIRTimeout)
	}
}

func TestAllowedOriginsList(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()
	_ = os.Setenv("ALLOWED_ORIGINS", "http://localhost:3000, http://127.0.0.1:5173,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("Expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[1] != "http://127.0.0.1:5173" {
		t.Errorf("Expected trimmed origin, got %q", cfg.AllowedOrigins[1])
	}
}

func TestTrustedProxiesList(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()
	_ = os.Setenv("TRUSTED_PROXIES", " 10.0.0.0/8, 192.0.2.7 ,fd00::/8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(cfg.TrustedProxies) != 3 || cfg.TrustedProxies[1] != "192.0.2.7" {
		t.Fatalf("Expected 3 trimmed entries, got %v", cfg.TrustedProxies)
	}
}

func TestParseProxy(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"192.0.2.7", "192.0.2.7/32"},
		{"::ffff:192.0.2.7", "192.0.2.7/32"},
		{"10.1.2.3/8", "10.0.0.0/8"},
		{"fd00::1/8", "fd00::/8"},
	}
	for _, tt := range tests {
		got, err := ParseProxy(tt.entry)
		if err != nil {
			t.Errorf("ParseProxy(%q) failed: %v", tt.entry, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseProxy(%q) = %s, want %s", tt.entry, got, tt.want)
		}
	}

	if _, err := ParseProxy("localhost"); err == nil {
		t.Error("Expected host names to be rejected")
	}
}

func cleanupEnv() {
	for _, key := range GetEnvVars() {
		_ = os.Unsetenv(key)
	}
}

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		input    string
		expected Environment
		hasError bool
	}{
		{"dev", EnvDevelopment, false},
		{"development", EnvDevelopment, false},
		{"staging", EnvStaging, false},
		{"prod", EnvProduction, false},
		{"production", EnvProduction, false},
		{"test", EnvTest, false},
		{"invalid", EnvDevelopment, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			env, err := ParseEnvironment(tt.input)
			if tt.hasError {
				if err == nil {
					t.Errorf("Expected error for %s, got none", tt.input)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error for %s: %v", tt.input, err)
				}
				if env != tt.expected {
					t.Errorf("Expected %v, got %v", tt.expected, env)
				}
			}
		})
	}
}

func TestEnvironmentString(t *testing.T) {
	tests := []struct {
		env      Environment
		expected string
	}{
		{EnvDevelopment, "dev"},
		{EnvStaging, "staging"},
		{EnvProduction, "prod"},
		{EnvTest, "test"},
	}

	for _, tt := range tests {
		if got := tt.env.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}
