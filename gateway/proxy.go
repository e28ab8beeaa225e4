package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/common"
)

// serviceTokenTTL bounds the lifetime of minted service tokens. Tokens are
// minted per call, so a short lifetime is enough.
const serviceTokenTTL = 5 * time.Minute

// Proxy forwards gateway requests to one backing service. Timeouts surface
// as 504 and unreachable or failing upstreams as 502, per the error
// contract; everything else passes through unchanged.
type Proxy struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	token   func() (string, error)
}

// NewProxy creates a forwarding client for baseURL. tokenFn mints the
// service token attached to each request; nil disables service auth.
func NewProxy(baseURL string, timeout time.Duration, tokenFn func() (string, error)) *Proxy {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Proxy{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		token:   tokenFn,
	}
}

// Forward relays the inbound request to the backing service at path and
// copies the upstream response back to the client.
func (p *Proxy) Forward(c echo.Context, path string) error {
	inbound := c.Request()

	url := p.baseURL + path
	if q := inbound.URL.RawQuery; q != "" {
		url += "?" + q
	}

	ctx, cancel := context.WithTimeout(inbound.Context(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, inbound.Method, url, inbound.Body)
	if err != nil {
		return common.JSONError(c, http.StatusInternalServerError, "proxy request failed")
	}
	if ct := inbound.Header.Get(echo.HeaderContentType); ct != "" {
		req.Header.Set(echo.HeaderContentType, ct)
	}
	if err := p.decorate(c, req); err != nil {
		common.Logger.WithError(err).Error("service token minting failed")
		return common.JSONError(c, http.StatusInternalServerError, "proxy request failed")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return writeUpstreamError(c, err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Stream(resp.StatusCode, contentType, resp.Body)
}

// Get runs a service-to-service GET and decodes the JSON response into
// out. Non-200 responses surface the upstream error envelope.
func (p *Proxy) Get(ctx context.Context, userID, path string, out interface{}) error {
	return p.call(ctx, userID, http.MethodGet, path, nil, out)
}

func (p *Proxy) call(ctx context.Context, userID, method, path string, body io.Reader, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if p.token != nil {
		token, err := p.token()
		if err != nil {
			return fmt.Errorf("failed to mint service token: %w", err)
		}
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &UpstreamError{Status: resp.StatusCode, Detail: envelope.Detail}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decorate attaches the service token and the acting user to an outbound
// request.
func (p *Proxy) decorate(c echo.Context, req *http.Request) error {
	if p.token != nil {
		token, err := p.token()
		if err != nil {
			return err
		}
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if user := currentUser(c); user != nil {
		req.Header.Set("X-User-ID", user.ID)
	}
	return nil
}

// UpstreamError is a non-200 answer from a backing service.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Detail)
}

// writeUpstreamError maps transport failures onto the gateway error
// contract: deadline exceeded answers 504, anything else 502.
func writeUpstreamError(c echo.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return common.JSONError(c, http.StatusGatewayTimeout, "upstream request timed out")
	}
	common.Logger.WithError(err).Error("upstream request failed")
	return common.JSONError(c, http.StatusBadGateway, "upstream service unavailable")
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
