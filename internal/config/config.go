package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/utils"
)

const (
	DefaultDataDir     = "/etc/hostdeck"
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 8470
	DefaultMetricsPort = 9470
	DefaultSudoTimeout = 60 * time.Second
	DefaultHistorySize = 20
)

// Config holds the service configuration
type Config struct {
	DataDir     string
	Host        string
	Port        int
	MetricsPort int

	LogLevel  string
	LogFormat string

	// Admin credentials. AuthPass always holds a bcrypt hash after Load.
	AuthUser string
	AuthPass string

	TokenSecret []byte
	TokenTTL    time.Duration

	SudoTimeout    time.Duration
	AllowedOrigins []string
	OperationsFile string
	HistorySize    int
	DockerHost     string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool

	mu sync.RWMutex
}

// Load reads configuration from .env files and the environment
func Load() (*Config, error) {
	dataDir := DefaultDataDir
	if dir := utils.GetenvTrim("HOSTDECK_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:        dataDir,
		Host:           DefaultHost,
		Port:           DefaultPort,
		MetricsPort:    DefaultMetricsPort,
		LogLevel:       "info",
		LogFormat:      "auto",
		TokenTTL:       auth.DefaultTokenTTL,
		SudoTimeout:    DefaultSudoTimeout,
		OperationsFile: filepath.Join(dataDir, "operations.yaml"),
		HistorySize:    DefaultHistorySize,
		EnvOverrides:   make(map[string]bool),
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := utils.GetenvTrim("HOSTDECK_HOST"); v != "" {
		c.Host = v
		c.EnvOverrides["host"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HOSTDECK_PORT %q: %w", v, err)
		}
		c.Port = p
		c.EnvOverrides["port"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HOSTDECK_METRICS_PORT %q: %w", v, err)
		}
		c.MetricsPort = p
		c.EnvOverrides["metricsPort"] = true
	}
	if v := utils.GetenvTrim("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
		c.EnvOverrides["logLevel"] = true
	}
	if v := utils.GetenvTrim("LOG_FORMAT"); v != "" {
		c.LogFormat = strings.ToLower(v)
		c.EnvOverrides["logFormat"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_AUTH_USER"); v != "" {
		c.AuthUser = trimQuotes(v)
		c.EnvOverrides["authUser"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_AUTH_PASS"); v != "" {
		c.AuthPass = trimQuotes(v)
		c.EnvOverrides["authPass"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_TOKEN_SECRET"); v != "" {
		c.TokenSecret = []byte(trimQuotes(v))
		c.EnvOverrides["tokenSecret"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_TOKEN_TTL"); v != "" {
		d, err := utils.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HOSTDECK_TOKEN_TTL %q: %w", v, err)
		}
		c.TokenTTL = d
		c.EnvOverrides["tokenTTL"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_SUDO_TIMEOUT"); v != "" {
		d, err := utils.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HOSTDECK_SUDO_TIMEOUT %q: %w", v, err)
		}
		c.SudoTimeout = d
		c.EnvOverrides["sudoTimeout"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = utils.SplitList(v)
		c.EnvOverrides["allowedOrigins"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_OPERATIONS_FILE"); v != "" {
		c.OperationsFile = v
		c.EnvOverrides["operationsFile"] = true
	}
	if v := utils.GetenvTrim("HOSTDECK_HISTORY_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HOSTDECK_HISTORY_SIZE %q: %w", v, err)
		}
		c.HistorySize = n
		c.EnvOverrides["historySize"] = true
	}
	if v := utils.GetenvTrim("DOCKER_HOST"); v != "" {
		c.DockerHost = v
	}
	return nil
}

// finalize hashes a plaintext admin password and generates a token secret
// when none is configured.
func (c *Config) finalize() error {
	if c.AuthPass != "" && !auth.IsPasswordHashed(c.AuthPass) {
		log.Warn().Msg("HOSTDECK_AUTH_PASS is stored in plaintext, hashing it in memory. Use 'hostdeck hashpw' to store a bcrypt hash instead")
		hash, err := auth.HashPassword(c.AuthPass)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		c.AuthPass = hash
	}

	if len(c.TokenSecret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		c.TokenSecret = []byte(hex.EncodeToString(buf))
		log.Warn().Msg("HOSTDECK_TOKEN_SECRET not set, generated a random secret. Sessions will not survive a restart")
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("metrics port %d collides with the API port", c.MetricsPort)
	}
	if len(c.TokenSecret) < 16 {
		return fmt.Errorf("token secret must be at least 16 bytes")
	}
	if c.TokenTTL < time.Minute {
		return fmt.Errorf("token ttl must be at least 1 minute")
	}
	if c.SudoTimeout < time.Second {
		return fmt.Errorf("sudo timeout must be at least 1 second")
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1")
	}
	switch c.LogFormat {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.AuthUser == "" || c.AuthPass == "" {
		log.Warn().Msg("No admin credentials configured, every login will be rejected")
	}
	return nil
}

// ListenAddr returns the API listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr returns the metrics listen address, empty when disabled.
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// CurrentSudoTimeout returns the credential relay deadline, which can change at runtime.
func (c *Config) CurrentSudoTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SudoTimeout
}

// CurrentLogLevel returns the log level, which can change at runtime.
func (c *Config) CurrentLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}

func trimQuotes(v string) string {
	return strings.Trim(v, "'\"")
}
