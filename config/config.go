// Package config has the configuration file for the app
package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment stage the service runs in
type Environment string

// Environment names accepted by ENV
const (
	EnvDevelopment Environment = "dev"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
)

func (e Environment) String() string {
	return string(e)
}

// ParseEnvironment maps ENV values, including long aliases, to an Environment
func ParseEnvironment(value string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "development":
		return EnvDevelopment, nil
	case "staging":
		return EnvStaging, nil
	case "prod", "production":
		return EnvProduction, nil
	case "test":
		return EnvTest, nil
	}
	return EnvDevelopment, fmt.Errorf("ENV must be one of: [dev staging prod test], got: %s", value)
}

// FHIR backends accepted by FHIR_MODE
const (
	FHIRModeLive = "live"
	FHIRModeSim  = "sim"
)

// DefaultFHIRBase is the public HAPI R4 server used when FHIR_BASE is unset
const DefaultFHIRBase = "https://hapi.fhir.org/baseR4"

// Config holds all application configuration
type Config struct {
	Port              string
	Address           string
	Env               Environment
	LogLevel          string
	LogDir            string
	LogRetentionWeeks int   // Number of weeks to keep log files
	MaxLogFileSize    int64 // Maximum log file size in bytes
	MaxRequestBody    int64 // Maximum request body size in bytes
	MaxHeaderSize     int64 // Maximum header size in bytes

	FHIRBase     string
	FHIRMode     string
	FHIRTimeout  time.Duration
	FHIRPageSize int

	TerminologyFile    string
	TerminologyURL     string
	TerminologyRefresh time.Duration
	UpstreamProbe      time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int
	RedisURL        string

	AllowedOrigins   []string
	TrustedProxyOnly bool
	TrustedProxies   []string // IPs or CIDRs allowed to set X-Forwarded-For; loopback is implied
}

// LoadDotEnv reads a .env file from the working directory when one exists.
// A missing file is not an error: the process environment is used as is.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "could not read .env file: %v\n", err)
	}
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnvWithDefault("PORT", "8000"),
		Address:           getEnvWithDefault("ADDRESS", "127.0.0.1"),
		LogLevel:          strings.ToLower(getEnvWithDefault("LOG_LEVEL", "info")),
		LogDir:            getEnvWithDefault("LOG_DIR", "logs"),
		LogRetentionWeeks: getIntEnvWithDefault("LOG_RETENTION_WEEKS", 4),         // 4 weeks default
		MaxLogFileSize:    getInt64EnvWithDefault("MAX_LOG_FILE_SIZE", 104857600), // 100MB default
		MaxRequestBody:    getInt64EnvWithDefault("MAX_REQUEST_BODY", 1048576),    // 1MB default
		MaxHeaderSize:     getInt64EnvWithDefault("MAX_HEADER_SIZE", 1048576),     // 1MB default

		FHIRBase:     strings.TrimRight(getEnvWithDefault("FHIR_BASE", DefaultFHIRBase), "/"),
		FHIRMode:     strings.ToLower(getEnvWithDefault("FHIR_MODE", FHIRModeLive)),
		FHIRTimeout:  getDurationEnvWithDefault("FHIR_TIMEOUT", 15*time.Second),
		FHIRPageSize: getIntEnvWithDefault("FHIR_PAGE_SIZE", 50),

		TerminologyFile:    os.Getenv("TERMINOLOGY_FILE"),
		TerminologyURL:     os.Getenv("TERMINOLOGY_URL"),
		TerminologyRefresh: getDurationEnvWithDefault("TERMINOLOGY_REFRESH", 24*time.Hour),
		UpstreamProbe:      getDurationEnvWithDefault("UPSTREAM_PROBE_INTERVAL", 5*time.Minute),

		CacheTTL:        getDurationEnvWithDefault("CACHE_TTL", 5*time.Minute),
		CacheMaxEntries: getIntEnvWithDefault("CACHE_MAX_ENTRIES", 512),
		RedisURL:        os.Getenv("REDIS_URL"),

		AllowedOrigins:   splitList(getEnvWithDefault("ALLOWED_ORIGINS", "*")),
		TrustedProxyOnly: getBoolEnvWithDefault("TRUSTED_PROXY_ONLY", false),
		TrustedProxies:   splitList(os.Getenv("TRUSTED_PROXIES")),
	}

	env, err := ParseEnvironment(getEnvWithDefault("ENV", string(EnvDevelopment)))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: invalid ENV: %w", err)
	}
	cfg.Env = env

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validateConfig validates all configuration values
func validateConfig(cfg *Config) error {
	if err := validatePort(cfg.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}

	if err := validateAddress(cfg.Address); err != nil {
		return fmt.Errorf("invalid ADDRESS: %w", err)
	}

	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxRequestBody, "MAX_REQUEST_BODY"); err != nil {
		return fmt.Errorf("invalid MAX_REQUEST_BODY: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxHeaderSize, "MAX_HEADER_SIZE"); err != nil {
		return fmt.Errorf("invalid MAX_HEADER_SIZE: %w", err)
	}

	if err := validateLogRetentionWeeks(cfg.LogRetentionWeeks); err != nil {
		return fmt.Errorf("invalid LOG_RETENTION_WEEKS: %w", err)
	}

	if err := validateMaxLogFileSize(cfg.MaxLogFileSize); err != nil {
		return fmt.Errorf("invalid MAX_LOG_FILE_SIZE: %w", err)
	}

	if err := validateFHIRMode(cfg.FHIRMode); err != nil {
		return fmt.Errorf("invalid FHIR_MODE: %w", err)
	}

	if cfg.FHIRMode == FHIRModeLive {
		if err := validateURL(cfg.FHIRBase); err != nil {
			return fmt.Errorf("invalid FHIR_BASE: %w", err)
		}
	}

	if cfg.TerminologyURL != "" {
		if err := validateURL(cfg.TerminologyURL); err != nil {
			return fmt.Errorf("invalid TERMINOLOGY_URL: %w", err)
		}
	}

	if cfg.FHIRTimeout <= 0 || cfg.FHIRTimeout > 5*time.Minute {
		return fmt.Errorf("invalid FHIR_TIMEOUT: must be between 1ns and 5m, got: %s", cfg.FHIRTimeout)
	}

	if cfg.FHIRPageSize < 1 || cfg.FHIRPageSize > 1000 {
		return fmt.Errorf("invalid FHIR_PAGE_SIZE: must be between 1 and 1000, got: %d", cfg.FHIRPageSize)
	}

	if cfg.TerminologyRefresh < time.Minute {
		return fmt.Errorf("invalid TERMINOLOGY_REFRESH: must be at least 1m, got: %s", cfg.TerminologyRefresh)
	}

	if cfg.UpstreamProbe < 10*time.Second {
		return fmt.Errorf("invalid UPSTREAM_PROBE_INTERVAL: must be at least 10s, got: %s", cfg.UpstreamProbe)
	}

	if cfg.CacheTTL < 0 {
		return fmt.Errorf("invalid CACHE_TTL: must not be negative, got: %s", cfg.CacheTTL)
	}

	if cfg.CacheMaxEntries < 1 {
		return fmt.Errorf("invalid CACHE_MAX_ENTRIES: must be positive, got: %d", cfg.CacheMaxEntries)
	}

	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("invalid ALLOWED_ORIGINS: at least one origin is required")
	}

	for _, entry := range cfg.TrustedProxies {
		if _, err := ParseProxy(entry); err != nil {
			return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
		}
	}

	return nil
}

// ParseProxy reads one TRUSTED_PROXIES entry: a bare IP or a CIDR range
func ParseProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%q is not a CIDR range", entry)
		}
		return prefix.Masked(), nil
	}
	ip, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q is not an IP address", entry)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

// validatePort validates the PORT environment variable
func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid number: %w", err)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if portNum < 1024 {
		return fmt.Errorf("PORT %d is privileged (less than 1024), use ports 1024-65535", portNum)
	}

	return nil
}

// validateAddress validates the ADDRESS environment variable
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("ADDRESS cannot be empty")
	}

	if address == "127.0.0.1" || address == "::1" || address == "localhost" || address == "0.0.0.0" {
		return nil
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("ADDRESS must be a valid IP address or 'localhost', got: %s", address)
	}

	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("ADDRESS %s is a public IP, consider using private network ranges for security", address)
	}

	return nil
}

// validateLogLevel validates the LOG_LEVEL environment variable
func validateLogLevel(logLevel string) error {
	if logLevel == "" {
		return fmt.Errorf("LOG_LEVEL cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	for _, level := range validLevels {
		if logLevel == level {
			return nil
		}
	}

	return fmt.Errorf("LOG_LEVEL must be one of: %v, got: %s", validLevels, logLevel)
}

// validateFHIRMode validates the FHIR_MODE environment variable
func validateFHIRMode(mode string) error {
	switch mode {
	case FHIRModeLive, FHIRModeSim:
		return nil
	}
	return fmt.Errorf("FHIR_MODE must be one of: [%s %s], got: %s", FHIRModeLive, FHIRModeSim, mode)
}

// validateURL checks that raw is an absolute http(s) URL
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

// validateSizeLimit validates size limit configuration values
func validateSizeLimit(size int64, configName string) error {
	if size <= 0 {
		return fmt.Errorf("%s must be positive, got: %d", configName, size)
	}

	if size > 100*1024*1024 { // 100MB
		return fmt.Errorf("%s is too large (max 100MB), got: %d bytes", configName, size)
	}

	return nil
}

// validateLogRetentionWeeks validates the LOG_RETENTION_WEEKS environment variable
func validateLogRetentionWeeks(weeks int) error {
	if weeks <= 0 {
		return fmt.Errorf("LOG_RETENTION_WEEKS must be positive, got: %d", weeks)
	}

	if weeks > 52 {
		return fmt.Errorf("LOG_RETENTION_WEEKS is too large (max 52 weeks), got: %d", weeks)
	}

	return nil
}

// validateMaxLogFileSize validates the MAX_LOG_FILE_SIZE environment variable
func validateMaxLogFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE must be positive, got: %d", size)
	}

	// Minimum 1MB, maximum 1GB
	if size < 1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too small (min 1MB), got: %d bytes", size)
	}

	if size > 1024*1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too large (max 1GB), got: %d bytes", size)
	}

	return nil
}

// getEnvWithDefault gets an environment variable with a default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnvWithDefault gets an environment variable as int with a default value
func getIntEnvWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64EnvWithDefault gets an environment variable as int64 with a default value
func getInt64EnvWithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnvWithDefault accepts Go durations ("90s", "5m") or bare seconds
func getDurationEnvWithDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getBoolEnvWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnvVars returns a list of all expected environment variables
func GetEnvVars() []string {
	return []string{
		"PORT",
		"ADDRESS",
		"ENV",
		"LOG_LEVEL",
		"LOG_DIR",
		"LOG_RETENTION_WEEKS",
		"MAX_LOG_FILE_SIZE",
		"MAX_REQUEST_BODY",
		"MAX_HEADER_SIZE",
		"FHIR_BASE",
		"FHIR_MODE",
		"FHIR_TIMEOUT",
		"FHIR_PAGE_SIZE",
		"TERMINOLOGY_FILE",
		"TERMINOLOGY_URL",
		"TERMINOLOGY_REFRESH",
		"UPSTREAM_PROBE_INTERVAL",
		"CACHE_TTL",
		"CACHE_MAX_ENTRIES",
		"REDIS_URL",
		"ALLOWED_ORIGINS",
		"TRUSTED_PROXY_ONLY",
		"TRUSTED_PROXIES",
	}
}

// IsSimulated reports whether searches are answered from the embedded dataset
func (c *Config) IsSimulated() bool {
	return c.FHIRMode == FHIRModeSim
}
