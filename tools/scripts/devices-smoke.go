// Package main provides a CI-friendly WebSocket smoke test for the cloud device service.
//
// It validates:
//   - handshake + subprotocol selection
//   - envelope validation of server replies
//   - device_list with a live access token
//   - device_get for a listed device (when the account has one)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloudauth/cmd/identity/ids"
	v1 "cloudauth/shared/contracts/devices/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		wsURL   = flag.String("url", os.Getenv("CLOUDAUTH_CLOUD_WS_URL"), "WebSocket URL of the device service")
		origin  = flag.String("origin", "", "Origin header to send")
		access  = flag.String("token", os.Getenv("CLOUDAUTH_ACCESS_TOKEN"), "Access token")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*access) == "" {
		fatalf("missing -token")
	}

	ctx := context.Background()

	list := mustUnary(ctx, *wsURL, *origin, *timeout, v1.TypeList, v1.DeviceRequestPayload{AccessToken: *access})
	fmt.Printf("OK: device_list returned %d device(s)\n", len(list.Devices))
	if *verbose {
		for _, d := range list.Devices {
			fmt.Printf("  %s %q os=%s model=%q\n", d.PubID, d.Name, d.OS, d.HardwareModel)
		}
	}

	if len(list.Devices) == 0 {
		fmt.Println("SKIP: device_get (no devices on account)")
		return
	}

	want := list.Devices[0].PubID
	got := mustUnary(ctx, *wsURL, *origin, *timeout, v1.TypeGet, v1.DeviceRequestPayload{AccessToken: *access, PubID: want})
	if got.Device == nil || got.Device.PubID != want {
		fatalf("device_get: expected device %s", want)
	}
	fmt.Printf("OK: device_get %s\n", want)
}

// mustUnary opens one stream, sends a request and reads exactly one result.
func mustUnary(parent context.Context, wsURL, origin string, stepTimeout time.Duration, typ string, payload any) v1.ResultPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn := mustConnect(ctx, wsURL, origin)
	defer closeWS(conn)

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		fatalf("%s: id: %v", typ, err)
	}
	req, err := v1.NewEnvelope(typ, id, time.Now().UTC(), payload)
	if err != nil {
		fatalf("%s: %v", typ, err)
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		fatalf("%s: write: %v", typ, err)
	}

	var env v1.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		fatalf("%s: read: %v", typ, err)
	}
	if err := env.Validate(); err != nil {
		fatalf("%s: invalid reply: %v", typ, err)
	}

	switch env.Type {
	case v1.TypeResult:
		var res v1.ResultPayload
		if err := env.Decode(&res); err != nil {
			fatalf("%s: %v", typ, err)
		}
		return res
	case v1.TypeError:
		var e v1.ErrorPayload
		_ = env.Decode(&e)
		fatalf("%s: server error %s: %s", typ, e.Code, e.Message)
	default:
		fatalf("%s: unexpected reply type %q", typ, env.Type)
	}
	return v1.ResultPayload{}
}

func mustConnect(ctx context.Context, wsURL, origin string) *websocket.Conn {
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil {
			fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		fatalf("dial: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)

	if got := conn.Subprotocol(); got != v1.Subprotocol {
		closeWS(conn)
		fatalf("subprotocol mismatch: got %q want %q", got, v1.Subprotocol)
	}
	return conn
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
