package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudauth/cmd/internal/auth/refresher"
	"cloudauth/cmd/internal/auth/token"
	"cloudauth/cmd/internal/devices"
	"cloudauth/cmd/internal/pake/paketest"
	"cloudauth/cmd/internal/stream"
	v1 "cloudauth/shared/contracts/devices/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testPubID = uuid.MustParse("01920a4c-7b1e-7c3a-9d2f-3b8e5a6c1d20")

type noExchange struct{}

func (noExchange) Exchange(context.Context, token.Refresh) (token.Pair, error) {
	return token.Pair{}, errors.New("unexpected refresh")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	rc := refresher.DefaultConfig()
	rc.AuthURL = "http://auth.invalid"
	return Config{
		OpsAddr:   "127.0.0.1:0",
		LogLevel:  "debug",
		LogFormat: "json",
		Refresher: rc,
	}
}

func newTestApp(t *testing.T, cfg Config, opts ...Option) *App {
	t.Helper()

	opts = append([]Option{WithRefresherOptions(refresher.WithExchanger(noExchange{}))}, opts...)
	a, err := New(cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New()=%v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func withSession(cfg Config) Config {
	cfg.AccessToken = string(token.Encode(time.Now().Add(time.Hour), nil))
	cfg.RefreshToken = "refresh-1"
	return cfg
}

func TestReadyz_NotReadyWithoutSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body tokenStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Initialized || body.HasToken || body.ExpiresAt != nil {
		t.Fatalf("body=%+v", body)
	}
}

func TestReadyz_ReadyWithInitialSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, withSession(testConfig()))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body tokenStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Initialized || !body.HasToken || body.Refreshing || body.ExpiresAt == nil {
		t.Fatalf("body=%+v", body)
	}
}

func TestReadyz_RefresherClosed(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, withSession(testConfig()))
	_ = a.Close()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, withSession(testConfig()))
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"cloudauth_refresher_access_token_expiry_timestamp_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST healthz=%d", rec.Code)
	}
}

func TestNew_RejectsExpiredInitialSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AccessToken = string(token.Encode(time.Now().Add(-time.Minute), nil))
	cfg.RefreshToken = "refresh-1"

	_, err := New(cfg, testLogger(), WithRefresherOptions(refresher.WithExchanger(noExchange{})))
	if !errors.Is(err, refresher.ErrTokenExpired) {
		t.Fatalf("New()=%v want ErrTokenExpired", err)
	}
}

func TestNew_InvalidRefresherConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Refresher.AuthURL = ""

	_, err := New(cfg, testLogger())
	if !errors.Is(err, ErrConfig) || !errors.Is(err, refresher.ErrConfig) {
		t.Fatalf("New()=%v want ErrConfig", err)
	}
}

func TestDevices_DisabledWithoutSuite(t *testing.T) {
	t.Parallel()

	cfg := withSession(testConfig())
	cfg.StreamEnabled = true
	cfg.Stream = stream.DefaultConfig()
	cfg.Stream.URL = "ws://127.0.0.1:1/devices"
	cfg.DevicePubID = testPubID.String()

	a := newTestApp(t, cfg)
	if _, err := a.DeviceLogin(context.Background()); !errors.Is(err, ErrDevicesDisabled) {
		t.Fatalf("DeviceLogin()=%v want ErrDevicesDisabled", err)
	}
	if _, err := a.RegisterDevice(context.Background(), devices.RegisterData{Name: "laptop"}); !errors.Is(err, ErrDevicesDisabled) {
		t.Fatalf("RegisterDevice()=%v want ErrDevicesDisabled", err)
	}
}

func TestDevices_DisabledReasonIsLogged(t *testing.T) {
	t.Parallel()

	withStream := testConfig()
	withStream.StreamEnabled = true
	withStream.Stream = stream.DefaultConfig()
	withStream.Stream.URL = "ws://127.0.0.1:1/devices"

	noPubID := withStream
	withPubID := withStream
	withPubID.DevicePubID = testPubID.String()

	cases := []struct {
		name   string
		cfg    Config
		reason string
	}{
		{"no stream url", testConfig(), "no_stream_url"},
		{"no pub id", noPubID, "no_device_pub_id"},
		{"no suite", withPubID, "no_pake_suite"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewJSONHandler(&buf, nil))

			a, err := New(tc.cfg, log, WithRefresherOptions(refresher.WithExchanger(noExchange{})))
			if err != nil {
				t.Fatalf("New()=%v", err)
			}
			defer func() { _ = a.Close() }()

			out := buf.String()
			if !strings.Contains(out, `"msg":"devices.disabled"`) || !strings.Contains(out, `"reason":"`+tc.reason+`"`) {
				t.Fatalf("log=%s want devices.disabled reason=%s", out, tc.reason)
			}
			if _, err := a.ListDevices(context.Background()); !errors.Is(err, ErrDevicesDisabled) {
				t.Fatalf("ListDevices()=%v want ErrDevicesDisabled", err)
			}
		})
	}
}

func TestDevices_BadPubID(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StreamEnabled = true
	cfg.Stream = stream.DefaultConfig()
	cfg.Stream.URL = "ws://127.0.0.1:1/devices"
	cfg.DevicePubID = "not-a-uuid"

	suite := &paketest.Suite{}
	_, err := New(cfg, testLogger(),
		WithPAKE(suite.Login(), suite.Registration()),
		WithRefresherOptions(refresher.WithExchanger(noExchange{})),
	)
	if !errors.Is(err, ErrConfig) || !errors.Is(err, devices.ErrInvalidInput) {
		t.Fatalf("New()=%v want ErrConfig", err)
	}
}

// deviceServer plays the cloud side of the login flow over a real WebSocket and
// reports the access token it saw and the export key it derived.
func deviceServer(t *testing.T, password []byte, tokens chan<- string, keys chan<- []byte) string {
	t.Helper()

	peer := paketest.Server{Password: password}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = ws.CloseNow() }()
		ctx := r.Context()

		var first v1.Envelope
		if err := wsjson.Read(ctx, ws, &first); err != nil || first.Type != v1.TypeHello {
			return
		}
		var hello v1.HelloPayload
		if err := first.Decode(&hello); err != nil {
			return
		}
		tokens <- hello.AccessToken

		resp, err := peer.LoginResponse(paketest.NewDeterministicReader("server"), hello.OpaqueLoginMessage)
		if err != nil {
			return
		}
		out, _ := v1.NewEnvelope(v1.TypeResponse, "srv-1", time.Now().UTC(), v1.ResponsePayload{State: v1.StateLoginResponse, Message: resp})
		if err := wsjson.Write(ctx, ws, out); err != nil {
			return
		}

		var fin v1.Envelope
		if err := wsjson.Read(ctx, ws, &fin); err != nil || fin.Type != v1.TypeHelloFinish {
			return
		}
		var p v1.HelloFinishPayload
		if err := fin.Decode(&p); err != nil {
			return
		}
		export, err := peer.VerifyLogin(hello.OpaqueLoginMessage, resp, p.OpaqueLoginFinish)
		if err != nil {
			return
		}
		keys <- export

		end, _ := v1.NewEnvelope(v1.TypeResponse, "srv-2", time.Now().UTC(), v1.ResponsePayload{State: v1.StateEnd})
		_ = wsjson.Write(ctx, ws, end)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeviceLogin_EndToEnd(t *testing.T) {
	t.Parallel()

	id, err := devices.NewIdentity(testPubID)
	if err != nil {
		t.Fatalf("NewIdentity()=%v", err)
	}

	seenTokens := make(chan string, 1)
	keys := make(chan []byte, 1)
	url := deviceServer(t, id.Secret[:], seenTokens, keys)

	cfg := withSession(testConfig())
	cfg.StreamEnabled = true
	cfg.Stream = stream.DefaultConfig()
	cfg.Stream.URL = url
	cfg.DevicePubID = testPubID.String()

	suite := &paketest.Suite{}
	a := newTestApp(t, cfg,
		WithPAKE(suite.Login(), suite.Registration()),
		WithRand(paketest.NewDeterministicReader("client")),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := a.DeviceLogin(ctx)
	if err != nil {
		t.Fatalf("DeviceLogin()=%v", err)
	}

	if got := <-seenTokens; got != cfg.AccessToken {
		t.Fatalf("server saw a different access token")
	}
	if serverKey := <-keys; !bytes.Equal(key[:], serverKey) {
		t.Fatalf("client and server keys differ")
	}
	if created, wiped := suite.States(); created != 1 || wiped != 1 {
		t.Fatalf("States()=%d,%d want 1,1", created, wiped)
	}
	if n, err := testutil.GatherAndCount(a.registry, "cloudauth_devices_handshake_total"); err != nil || n != 1 {
		t.Fatalf("handshake_total series=%d err=%v", n, err)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve()=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop")
	}
}

func TestListDevices_SkipsLocalDevice(t *testing.T) {
	t.Parallel()

	other := uuid.MustParse("01920a4c-7b1e-7c3a-9d2f-3b8e5a6c1d21")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = ws.CloseNow() }()

		var req v1.Envelope
		if err := wsjson.Read(r.Context(), ws, &req); err != nil || req.Type != v1.TypeList {
			return
		}
		res, _ := v1.NewEnvelope(v1.TypeResult, "srv-1", now, v1.ResultPayload{Devices: []v1.Device{
			{PubID: testPubID.String(), Name: "this one", OS: "linux", CreatedAt: now, UpdatedAt: now},
			{PubID: other.String(), Name: "phone", OS: "android", CreatedAt: now, UpdatedAt: now},
		}})
		_ = wsjson.Write(r.Context(), ws, res)
	}))
	t.Cleanup(srv.Close)

	cfg := withSession(testConfig())
	cfg.StreamEnabled = true
	cfg.Stream = stream.DefaultConfig()
	cfg.Stream.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.DevicePubID = testPubID.String()

	suite := &paketest.Suite{}
	a := newTestApp(t, cfg, WithPAKE(suite.Login(), suite.Registration()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := a.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices()=%v", err)
	}
	if len(got) != 1 || got[0].PubID != other || got[0].Name != "phone" {
		t.Fatalf("ListDevices()=%+v", got)
	}
}
