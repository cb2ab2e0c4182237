// Package session implements AuthClient (spec §4.1): a cookie-bearing HTTP
// session to the upstream with transparent re-auth and retry of transport
// failures. Rate-limited (429) responses are returned to the caller, not
// retried here.
package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
)

// Client is a shared-ownership authenticated HTTP session, passed to
// workers, the field syncer, and the generator's catalog readers (spec §9
// "Shared ownership of the session"). Its mutable state (lastAuthAt,
// authenticating) lives behind a mutex so no caller holds it across a
// suspension point except the in-flight auth itself.
type Client struct {
	hc       *http.Client
	baseURL  string
	email    string
	password string
	maxTries int
	baseDela time.Duration

	mu             sync.Mutex
	lastAuthAt     time.Time
	authenticating bool

	catalog *OperatorCatalog
}

// New constructs a Client from cfg, with cookie storage and otelhttp-wrapped
// transport around a 30s-default-timeout inner client.
func New(cfg config.Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("op=session.New: %w", err)
	}
	hc := &http.Client{
		Jar:       jar,
		Timeout:   cfg.AuthTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	c := &Client{
		hc:       hc,
		baseURL:  cfg.UpstreamBaseURL,
		email:    cfg.WQBEmail,
		password: cfg.WQBPassword,
		maxTries: cfg.AuthMaxTries,
		baseDela: cfg.AuthBaseDelay,
	}
	c.catalog = newOperatorCatalog(c, cfg.OperatorCatalogTTL)
	return c, nil
}

// Catalog returns the session's cached operator catalog (spec §4.9).
func (c *Client) Catalog() *OperatorCatalog { return c.catalog }

// authRequest performs a Basic-authenticated POST to /authentication,
// expecting 201. Re-auth is throttled: if a successful auth happened within
// the last 30s, the call is a no-op.
func (c *Client) authRequest(ctx domain.Context) error {
	c.mu.Lock()
	if time.Since(c.lastAuthAt) < 30*time.Second {
		c.mu.Unlock()
		return nil
	}
	if c.authenticating {
		c.mu.Unlock()
		// Another caller is already refreshing; wait for it rather than piling on.
		for {
			time.Sleep(50 * time.Millisecond)
			c.mu.Lock()
			if !c.authenticating {
				c.mu.Unlock()
				return nil
			}
			c.mu.Unlock()
		}
	}
	c.authenticating = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.authenticating = false
		c.mu.Unlock()
	}()

	tracer := otel.Tracer("session")
	ctx, span := tracer.Start(ctx, "session.authRequest")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/authentication", nil)
	if err != nil {
		return fmt.Errorf("op=session.authRequest: %w", err)
	}
	token := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.password))
	req.Header.Set("Authorization", "Basic "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=session.authRequest.do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("op=session.authRequest: status=%d body=%s", resp.StatusCode, body)
	}

	c.mu.Lock()
	c.lastAuthAt = time.Now()
	c.mu.Unlock()
	slog.Info("session authenticated", slog.String("base_url", c.baseURL))
	return nil
}

// Response is a decoded HTTP response: status, headers, and raw body.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("op=session.Response.JSON: %w", err)
	}
	return nil
}

// Request performs verb against path (joined to baseURL) with an optional
// JSON body. It retries internally only on transport-level failures (up to
// maxTries, paced by baseDelay) and on a single 401/403 re-auth-then-retry.
// Every other response, success or not, is handed back verbatim as a
// *Response so the caller can classify it: submit/poll distinguish
// 400/429/5xx (spec §8 Scenario S2, a 400 must fail permanently on the
// first attempt with no retries of its own), and FieldSync paces its own
// 429 backoff across pagination calls. Request never interprets a non-2xx
// status as an error itself.
func (c *Client) Request(ctx domain.Context, verb, path string, body any) (*Response, error) {
	url := path
	if len(path) > 0 && path[0] == '/' {
		url = c.baseURL + path
	}

	var lastErr error
	reAuthed := false
	for attempt := 1; attempt <= c.maxTries; attempt++ {
		var rdr io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("op=session.Request.marshal: %w", err)
			}
			rdr = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, verb, url, rdr)
		if err != nil {
			return nil, fmt.Errorf("op=session.Request.new: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(c.baseDela)
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		r := &Response{Status: resp.StatusCode, Headers: resp.Header, Body: raw}

		if (resp.StatusCode == 401 || resp.StatusCode == 403) && !reAuthed {
			reAuthed = true
			if err := c.authRequest(ctx); err != nil {
				lastErr = err
			}
			continue
		}
		return r, nil
	}
	return nil, fmt.Errorf("op=session.Request: exhausted %d attempts: %w", c.maxTries, lastErr)
}

// newExponentialBackoff mirrors the teacher's AI-client backoff shape
// (250ms initial interval, doubling, 5s interval cap). Nothing in this
// module calls it; Request paces its own retries with a fixed delay.
func newExponentialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.Multiplier = 2.0
	return expo
}

// NewExponentialBackoff exposes newExponentialBackoff to other packages.
func NewExponentialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	return newExponentialBackoff(maxElapsed)
}
