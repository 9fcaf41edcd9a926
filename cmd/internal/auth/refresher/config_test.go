package refresher

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("CLOUDAUTH_AUTH_URL", "https://auth.example.com")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv()=%v", err)
	}
	if cfg.Margin != time.Minute || cfg.QueueSize != 8 || !cfg.Rearm {
		t.Fatalf("cfg=%+v want defaults", cfg)
	}

	got, err := cfg.RefreshURL()
	if err != nil {
		t.Fatalf("RefreshURL()=%v", err)
	}
	if want := "https://auth.example.com/api/auth/session/refresh"; got != want {
		t.Fatalf("RefreshURL()=%q want %q", got, want)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("CLOUDAUTH_AUTH_URL", "http://127.0.0.1:3567/base/")
	t.Setenv("CLOUDAUTH_REFRESH_PATH", "session/refresh")
	t.Setenv("CLOUDAUTH_REFRESH_MARGIN", "90s")
	t.Setenv("CLOUDAUTH_REFRESH_TIMEOUT", "2s")
	t.Setenv("CLOUDAUTH_REFRESH_QUEUE", "32")
	t.Setenv("CLOUDAUTH_REFRESH_REARM", "false")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv()=%v", err)
	}
	if cfg.Margin != 90*time.Second || cfg.RequestTimeout != 2*time.Second || cfg.QueueSize != 32 || cfg.Rearm {
		t.Fatalf("cfg=%+v", cfg)
	}

	got, _ := cfg.RefreshURL()
	if want := "http://127.0.0.1:3567/base/session/refresh"; got != want {
		t.Fatalf("RefreshURL()=%q want %q", got, want)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing url", map[string]string{}},
		{"bad scheme", map[string]string{"CLOUDAUTH_AUTH_URL": "ftp://auth"}},
		{"no host", map[string]string{"CLOUDAUTH_AUTH_URL": "https://"}},
		{"zero margin", map[string]string{"CLOUDAUTH_AUTH_URL": "https://a", "CLOUDAUTH_REFRESH_MARGIN": "0s"}},
		{"bad timeout", map[string]string{"CLOUDAUTH_AUTH_URL": "https://a", "CLOUDAUTH_REFRESH_TIMEOUT": "soon"}},
		{"queue too big", map[string]string{"CLOUDAUTH_AUTH_URL": "https://a", "CLOUDAUTH_REFRESH_QUEUE": "4096"}},
		{"bad rearm", map[string]string{"CLOUDAUTH_AUTH_URL": "https://a", "CLOUDAUTH_REFRESH_REARM": "maybe"}},
		{"absolute path", map[string]string{"CLOUDAUTH_AUTH_URL": "https://a", "CLOUDAUTH_REFRESH_PATH": "https://b/refresh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLOUDAUTH_AUTH_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("LoadConfigFromEnv() err=%v want ErrConfig", err)
			}
		})
	}
}
