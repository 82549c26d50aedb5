package licensed

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/licensed/internal/licensed/keygen"
)

// Config holds all configuration for the license server.
type Config struct {
	DataDir       string
	BindAddress   string
	Port          int
	AdminKey      string
	JWTSecret     string
	EncryptionKey string // passphrase the token vault key is derived from
	DBTimeout     time.Duration
	KeyPrefix     string
	EmailDomain   string
	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads configuration from LICENSED_* environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("LICENSED_PORT", 8080)
	if err != nil {
		return nil, err
	}
	timeoutSeconds, err := envOrDefaultInt("LICENSED_DB_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("LICENSED_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:       envOrDefault("LICENSED_DATA_DIR", "./data"),
		BindAddress:   envOrDefault("LICENSED_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		AdminKey:      strings.TrimSpace(os.Getenv("LICENSED_ADMIN_KEY")),
		JWTSecret:     strings.TrimSpace(os.Getenv("LICENSED_JWT_SECRET")),
		EncryptionKey: strings.TrimSpace(os.Getenv("LICENSED_ENCRYPTION_KEY")),
		DBTimeout:     time.Duration(timeoutSeconds) * time.Second,
		KeyPrefix:     envOrDefault("LICENSED_KEY_PREFIX", keygen.DefaultPrefix),
		EmailDomain:   envOrDefault("LICENSED_EMAIL_DOMAIN", keygen.DefaultEmailDomain),
		PublicMetrics: publicMetrics,
		LogLevel:      envOrDefault("LICENSED_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("LICENSED_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate licensed config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("missing required environment variables: LICENSED_ENCRYPTION_KEY")
	}
	if c.AdminKey == "" && c.JWTSecret == "" {
		return fmt.Errorf("one of LICENSED_ADMIN_KEY or LICENSED_JWT_SECRET is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LICENSED_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBTimeout <= 0 {
		return fmt.Errorf("LICENSED_DB_TIMEOUT_SECONDS must be greater than 0, got %d", int(c.DBTimeout/time.Second))
	}
	if strings.ContainsAny(c.KeyPrefix, "- ") {
		return fmt.Errorf("LICENSED_KEY_PREFIX must not contain dashes or spaces")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
