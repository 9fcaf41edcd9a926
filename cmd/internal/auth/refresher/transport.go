package refresher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"cloudauth/cmd/internal/auth/token"
)

// Wire names of the refresh exchange.
const (
	HeaderRID          = "rid"
	SessionRID         = "session"
	HeaderAccessToken  = "st-access-token"
	HeaderRefreshToken = "st-refresh-token"
)

// maxDrainBytes caps how much of an ignored response body is read before close.
const maxDrainBytes = 64 << 10

// Exchanger trades a refresh token for a new pair. Implementations must present the
// token once and must not retry with it.
type Exchanger interface {
	Exchange(ctx context.Context, refresh token.Refresh) (token.Pair, error)
}

// HTTPExchanger performs the refresh exchange against the auth server.
type HTTPExchanger struct {
	client *http.Client
	url    string
}

// NewHTTPExchanger builds an exchanger posting to refreshURL. A nil client uses a
// client whose transport logs each exchange to log.
func NewHTTPExchanger(log *slog.Logger, client *http.Client, refreshURL string) *HTTPExchanger {
	if client == nil {
		client = &http.Client{Transport: NewLoggingTransport(nil, log)}
	}
	return &HTTPExchanger{client: client, url: refreshURL}
}

// Exchange posts the refresh token as a bearer credential. Any 2xx response must carry
// both token headers.
func (e *HTTPExchanger) Exchange(ctx context.Context, refresh token.Refresh) (token.Pair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, nil)
	if err != nil {
		return token.Pair{}, TransportError{Op: "build request", Err: err}
	}
	req.Header.Set(HeaderRID, SessionRID)
	req.Header.Set("Authorization", "Bearer "+string(refresh))

	resp, err := e.client.Do(req)
	if err != nil {
		return token.Pair{}, TransportError{Op: "post", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return token.Pair{}, TransportError{Op: "post", StatusCode: resp.StatusCode}
	}

	access, err := tokenHeader(resp.Header, HeaderAccessToken)
	if err != nil {
		return token.Pair{}, err
	}
	next, err := tokenHeader(resp.Header, HeaderRefreshToken)
	if err != nil {
		return token.Pair{}, err
	}

	return token.Pair{Access: token.Access(access), Refresh: token.Refresh(next)}, nil
}

func tokenHeader(h http.Header, name string) (string, error) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return "", fmt.Errorf("%w: %s header absent", ErrMissingTokensOnRefresh, name)
	}
	if !utf8.ValidString(v) {
		return "", fmt.Errorf("%w: %s header is not valid UTF-8", ErrMissingTokensOnRefresh, name)
	}
	return v, nil
}
