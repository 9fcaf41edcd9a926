package stream

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid stream config")

// Config controls the WebSocket connection to the cloud device service.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the device service.
	URL string

	// Origin is sent on the handshake when set.
	Origin string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadLimit caps a single inbound message.
	ReadLimit int64
}

// DefaultConfig returns the defaults. URL has no default.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20, // 1MiB
	}
}

// LoadConfigFromEnv loads stream configuration from environment variables.
//
// Required:
//   - CLOUDAUTH_CLOUD_WS_URL
//
// Optional:
//   - CLOUDAUTH_WS_ORIGIN
//   - CLOUDAUTH_WS_DIAL_TIMEOUT
//   - CLOUDAUTH_WS_WRITE_TIMEOUT
//   - CLOUDAUTH_WS_READ_LIMIT (bytes)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.URL = strings.TrimSpace(os.Getenv("CLOUDAUTH_CLOUD_WS_URL"))
	cfg.Origin = strings.TrimSpace(os.Getenv("CLOUDAUTH_WS_ORIGIN"))

	var err error
	if cfg.DialTimeout, err = envPositiveDuration("CLOUDAUTH_WS_DIAL_TIMEOUT", cfg.DialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = envPositiveDuration("CLOUDAUTH_WS_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return Config{}, err
	}

	if v := strings.TrimSpace(os.Getenv("CLOUDAUTH_WS_READ_LIMIT")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1024 {
			return Config{}, ErrConfig
		}
		cfg.ReadLimit = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the endpoint and origin.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ErrConfig
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return ErrConfig
	}
	if strings.TrimSpace(u.Host) == "" {
		return ErrConfig
	}

	if c.Origin != "" {
		o, err := url.Parse(c.Origin)
		if err != nil || (o.Scheme != "http" && o.Scheme != "https") || o.Host == "" {
			return ErrConfig
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}

func envPositiveDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, ErrConfig
	}
	return d, nil
}
