package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloudauth/cmd/internal/auth/refresher"
	"cloudauth/cmd/internal/stream"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("invalid app config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	OpsAddr   string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Optional initial session. Both or neither must be set.
	AccessToken  string
	RefreshToken string

	// DevicePubID identifies this device to the cloud service. Device calls are
	// disabled when it is empty.
	DevicePubID string

	Refresher refresher.Config

	// Stream is only used when StreamEnabled.
	Stream        stream.Config
	StreamEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		OpsAddr:   EnvString("CLOUDAUTH_OPS_ADDR", "127.0.0.1:9464"),
		LogLevel:  EnvString("CLOUDAUTH_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("CLOUDAUTH_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("CLOUDAUTH_OPS_READ_HEADER_TIMEOUT", 5*time.Second),
		ShutdownTimeout:   EnvDuration("CLOUDAUTH_SHUTDOWN_TIMEOUT", 10*time.Second),

		AccessToken:  EnvString("CLOUDAUTH_ACCESS_TOKEN", ""),
		RefreshToken: EnvString("CLOUDAUTH_REFRESH_TOKEN", ""),

		DevicePubID: EnvString("CLOUDAUTH_DEVICE_PUB_ID", ""),
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "pretty" {
		return Config{}, fmt.Errorf("%w: CLOUDAUTH_LOG_FORMAT must be json or pretty", ErrConfig)
	}
	if (cfg.AccessToken == "") != (cfg.RefreshToken == "") {
		return Config{}, fmt.Errorf("%w: CLOUDAUTH_ACCESS_TOKEN and CLOUDAUTH_REFRESH_TOKEN must be set together", ErrConfig)
	}

	rc, err := refresher.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("%w: refresher: %w", ErrConfig, err)
	}
	cfg.Refresher = rc

	if strings.TrimSpace(os.Getenv("CLOUDAUTH_CLOUD_WS_URL")) != "" {
		sc, err := stream.LoadConfigFromEnv()
		if err != nil {
			return Config{}, fmt.Errorf("%w: stream: %w", ErrConfig, err)
		}
		cfg.Stream = sc
		cfg.StreamEnabled = true
	}

	return cfg, nil
}
