package refresher

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls where and when the refresher exchanges tokens.
type Config struct {
	// AuthURL is the auth server base URL, e.g. https://auth.example.com.
	AuthURL string

	// RefreshPath is resolved against AuthURL.
	RefreshPath string

	// Margin is how long before expiry a refresh is scheduled.
	// Tokens with less remaining lifetime are refreshed immediately on Init.
	Margin time.Duration

	// RequestTimeout bounds a single refresh exchange.
	RequestTimeout time.Duration

	// QueueSize is the capacity of the inbound request channel.
	// Callers block (or give up with their context) when it is full.
	QueueSize int

	// Rearm schedules the next refresh from each newly issued access token.
	// When false only the schedule armed by Init ever fires.
	Rearm bool
}

// DefaultConfig returns the defaults. AuthURL has no default.
func DefaultConfig() Config {
	return Config{
		RefreshPath:    "/api/auth/session/refresh",
		Margin:         time.Minute,
		RequestTimeout: 15 * time.Second,
		QueueSize:      8,
		Rearm:          true,
	}
}

// LoadConfigFromEnv loads refresher configuration from environment variables.
//
// Required:
//   - CLOUDAUTH_AUTH_URL
//
// Optional:
//   - CLOUDAUTH_REFRESH_PATH
//   - CLOUDAUTH_REFRESH_MARGIN
//   - CLOUDAUTH_REFRESH_TIMEOUT
//   - CLOUDAUTH_REFRESH_QUEUE
//   - CLOUDAUTH_REFRESH_REARM
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.AuthURL = strings.TrimSpace(os.Getenv("CLOUDAUTH_AUTH_URL"))

	if v := strings.TrimSpace(os.Getenv("CLOUDAUTH_REFRESH_PATH")); v != "" {
		cfg.RefreshPath = v
	}

	if v := os.Getenv("CLOUDAUTH_REFRESH_MARGIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Margin = d
	}

	if v := os.Getenv("CLOUDAUTH_REFRESH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RequestTimeout = d
	}

	if v := os.Getenv("CLOUDAUTH_REFRESH_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1024 {
			return Config{}, ErrConfig
		}
		cfg.QueueSize = n
	}

	if v := os.Getenv("CLOUDAUTH_REFRESH_REARM"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Rearm = b
	}

	if _, err := cfg.RefreshURL(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RefreshURL resolves RefreshPath against AuthURL. An absolute RefreshPath replaces
// any path on AuthURL.
func (c Config) RefreshURL() (string, error) {
	base, err := url.Parse(c.AuthURL)
	if err != nil || base.Host == "" {
		return "", ErrConfig
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", ErrConfig
	}
	if strings.TrimSpace(c.RefreshPath) == "" {
		return "", ErrConfig
	}

	ref, err := url.Parse(c.RefreshPath)
	if err != nil || ref.IsAbs() {
		return "", ErrConfig
	}
	return base.ResolveReference(ref).String(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Margin <= 0 {
		c.Margin = def.Margin
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.RefreshPath == "" {
		c.RefreshPath = def.RefreshPath
	}
	return c
}
