package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/DoyleJ11/crash-client/internal/connection"
)

// Config holds the client configuration.
type Config struct {
	WSURL          string        `validate:"required,wsurl"`
	AuthToken      string        `validate:"omitempty,printascii"`
	BaseDelay      time.Duration `validate:"gt=0"`
	MaxDelay       time.Duration `validate:"gtefield=BaseDelay"`
	MaxRetries     int           `validate:"min=1,max=100"`
	ConnectTimeout time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	HealthInterval time.Duration `validate:"gt=0"`
	Preflight      bool
	DebugAddr      string `validate:"omitempty,hostname_port"`
	DatabaseURL    string
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json console"`
}

func Default() *Config {
	opts := connection.DefaultOptions()
	return &Config{
		WSURL:          opts.Endpoint,
		BaseDelay:      opts.BaseDelay,
		MaxDelay:       opts.MaxDelay,
		MaxRetries:     opts.MaxRetries,
		ConnectTimeout: opts.ConnectTimeout,
		WriteTimeout:   opts.WriteTimeout,
		HealthInterval: 5 * time.Second,
		Preflight:      true,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads the configuration from the environment, after loading .env if
// one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	d := Default()
	cfg := &Config{
		WSURL:       getEnv(EnvWSURL, d.WSURL),
		AuthToken:   getEnv(EnvAuthToken, ""),
		DebugAddr:   getEnv(EnvDebugAddr, ""),
		DatabaseURL: getEnv(EnvDatabaseURL, ""),
		LogLevel:    strings.ToLower(getEnv(EnvLogLevel, d.LogLevel)),
		LogFormat:   strings.ToLower(getEnv(EnvLogFormat, d.LogFormat)),
	}

	var errs []error
	cfg.BaseDelay = getDuration(EnvBaseDelay, d.BaseDelay, &errs)
	cfg.MaxDelay = getDuration(EnvMaxDelay, d.MaxDelay, &errs)
	cfg.ConnectTimeout = getDuration(EnvConnectTimeout, d.ConnectTimeout, &errs)
	cfg.WriteTimeout = getDuration(EnvWriteTimeout, d.WriteTimeout, &errs)
	cfg.HealthInterval = getDuration(EnvHealthInterval, d.HealthInterval, &errs)
	cfg.MaxRetries = getInt(EnvMaxRetries, d.MaxRetries, &errs)
	cfg.Preflight = getBool(EnvPreflight, d.Preflight, &errs)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
	})
	return v
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", e.Field(), e.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ConnectionOptions maps the config onto manager options. Preflight is left
// for the caller to wire.
func (c *Config) ConnectionOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.Endpoint = c.WSURL
	opts.Token = c.AuthToken
	opts.BaseDelay = c.BaseDelay
	opts.MaxDelay = c.MaxDelay
	opts.MaxRetries = c.MaxRetries
	opts.ConnectTimeout = c.ConnectTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %w", key, err))
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %w", key, err))
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %w", key, err))
		return defaultValue
	}
	return b
}
