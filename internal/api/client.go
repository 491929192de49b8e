package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pushauth/internal/errs"
	"pushauth/internal/metrics"
	"pushauth/internal/models"
)

// DefaultBaseURL is the production verification service.
const DefaultBaseURL = "https://verify.twilio.com/v2/"

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20

	headerRequestID = "X-Request-Id"
	userAgent       = "pushauth"
)

// Form values the service expects.
const (
	pushFactorType = "push"
	algES256       = "ES256"
)

// ErrMissingFactorContext is wrapped when a factor lacks the service or
// identity needed to address it.
var ErrMissingFactorContext = errors.New("api: factor has no service or identity")

// Authenticator issues request tokens for a factor.
type Authenticator interface {
	RequestToken(factor *models.Factor) (string, error)
}

// ClockSyncer is told the server time after an unauthorized response.
type ClockSyncer interface {
	Sync(server time.Time)
}

// Options configures a Client.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Tokens     Authenticator
	Clock      ClockSyncer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Client implements FactorAPI and ChallengeAPI over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens Authenticator
	clock  ClockSyncer
	logger *slog.Logger
}

var (
	_ FactorAPI    = (*Client)(nil)
	_ ChallengeAPI = (*Client)(nil)
)

// NewClient returns a Client.
func NewClient(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.Tokens == nil {
		return nil, errors.New("api: token source is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	wrapped := *httpClient
	wrapped.Transport = opts.Metrics.RoundTripper(httpClient.Transport)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   base,
		http:   &wrapped,
		tokens: opts.Tokens,
		clock:  opts.Clock,
		logger: logger.With("component", "api"),
	}, nil
}

// CreateFactor enrolls a new push factor. The request is authorized with the
// caller's access token since no factor key is registered yet.
func (c *Client) CreateFactor(ctx context.Context, p models.CreateFactorPayload, publicKey string) ([]byte, error) {
	const op = "api.CreateFactor"
	if p.ServiceSID == "" || p.Identity == "" {
		return nil, errs.Input(op, ErrMissingFactorContext)
	}

	form := url.Values{}
	form.Set("FriendlyName", p.FriendlyName)
	form.Set("FactorType", pushFactorType)
	form.Set("Binding.PublicKey", publicKey)
	form.Set("Binding.Alg", algES256)
	platform := p.NotificationPlatform
	if platform == "" {
		platform = models.PlatformNone
	}
	form.Set("Config.NotificationPlatform", string(platform))
	if p.PushToken != "" {
		form.Set("Config.NotificationToken", p.PushToken)
	}
	form.Set("Config.SdkVersion", userAgent)
	if len(p.Metadata) > 0 {
		meta, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, errs.Input(op, err)
		}
		form.Set("Metadata", string(meta))
	}

	token := func() (string, error) { return p.AccessToken, nil }
	res, err := c.do(ctx, op, http.MethodPost, factorsPath(p.ServiceSID, p.Identity), nil, form, token)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// VerifyFactor submits the signed factor SID.
func (c *Client) VerifyFactor(ctx context.Context, f *models.Factor, authPayload string) ([]byte, error) {
	const op = "api.VerifyFactor"
	path, err := factorPath(f)
	if err != nil {
		return nil, errs.Input(op, err)
	}
	form := url.Values{"AuthPayload": {authPayload}}
	res, err := c.do(ctx, op, http.MethodPost, path, nil, form, c.factorToken(f))
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// UpdateFactor changes the push configuration of a factor.
func (c *Client) UpdateFactor(ctx context.Context, f *models.Factor, p models.UpdateFactorPayload) ([]byte, error) {
	const op = "api.UpdateFactor"
	path, err := factorPath(f)
	if err != nil {
		return nil, errs.Input(op, err)
	}
	form := url.Values{}
	form.Set("Config.NotificationPlatform", string(p.NotificationPlatform))
	if p.PushToken != "" {
		form.Set("Config.NotificationToken", p.PushToken)
	}
	form.Set("Config.SdkVersion", userAgent)
	res, err := c.do(ctx, op, http.MethodPost, path, nil, form, c.factorToken(f))
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// DeleteFactor removes a factor from the service.
func (c *Client) DeleteFactor(ctx context.Context, f *models.Factor) error {
	const op = "api.DeleteFactor"
	path, err := factorPath(f)
	if err != nil {
		return errs.Input(op, err)
	}
	_, err = c.do(ctx, op, http.MethodDelete, path, nil, nil, c.factorToken(f))
	return err
}

// GetChallenge fetches one challenge.
func (c *Client) GetChallenge(ctx context.Context, sid string, f *models.Factor) (Response, error) {
	const op = "api.GetChallenge"
	path, err := challengePath(f, sid)
	if err != nil {
		return Response{}, errs.Input(op, err)
	}
	return c.do(ctx, op, http.MethodGet, path, nil, nil, c.factorToken(f))
}

// GetChallenges fetches a page of challenges for the factor.
func (c *Client) GetChallenges(ctx context.Context, f *models.Factor, p models.ChallengeListPayload) ([]byte, error) {
	const op = "api.GetChallenges"
	path, err := challengePath(f, "")
	if err != nil {
		return nil, errs.Input(op, err)
	}

	q := url.Values{}
	q.Set("FactorSid", f.SID)
	if p.PageSize > 0 {
		q.Set("PageSize", strconv.Itoa(p.PageSize))
	}
	if p.Status != "" {
		q.Set("Status", string(p.Status))
	}
	if p.PageToken != "" {
		q.Set("PageToken", p.PageToken)
	}
	if p.Order != "" {
		q.Set("Order", p.Order)
	}
	res, err := c.do(ctx, op, http.MethodGet, path, q, nil, c.factorToken(f))
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// UpdateChallenge submits a signed challenge answer.
func (c *Client) UpdateChallenge(ctx context.Context, ch *models.Challenge, f *models.Factor, authPayload string) error {
	const op = "api.UpdateChallenge"
	if ch == nil {
		return errs.Input(op, errors.New("api: nil challenge"))
	}
	path, err := challengePath(f, ch.SID)
	if err != nil {
		return errs.Input(op, err)
	}
	form := url.Values{"AuthPayload": {authPayload}}
	_, err = c.do(ctx, op, http.MethodPost, path, nil, form, c.factorToken(f))
	return err
}

func (c *Client) factorToken(f *models.Factor) func() (string, error) {
	return func() (string, error) { return c.tokens.RequestToken(f) }
}

// do sends one request. On 401 the server clock is learned from the Date
// header and the request is sent once more with a fresh token.
func (c *Client) do(ctx context.Context, op, method, path string, query, form url.Values,
	token func() (string, error)) (Response, error) {
	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	for attempt := 0; ; attempt++ {
		bearer, err := token()
		if err != nil {
			return Response{}, err
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
		if err != nil {
			return Response{}, errs.Network(op, err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("User-Agent", userAgent)
		requestID := uuid.NewString()
		req.Header.Set(headerRequestID, requestID)

		resp, err := c.http.Do(req)
		if err != nil {
			return Response{}, errs.Network(op, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		if err != nil {
			return Response{}, errs.Network(op, fmt.Errorf("read response: %w", err))
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && c.syncClock(resp.Header) {
			c.logger.Debug("unauthorized, retrying with synced clock", "op", op, "request_id", requestID)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.logger.Debug("request failed", "op", op, "status", resp.StatusCode, "request_id", requestID)
			apiErr := apiError(resp.StatusCode, data)
			apiErr.Retried = attempt > 0
			return Response{}, errs.WithCode(errs.KindNetwork, op, resp.StatusCode, apiErr)
		}
		return Response{Body: data, Header: resp.Header}, nil
	}
}

func (c *Client) syncClock(h http.Header) bool {
	if c.clock == nil {
		return false
	}
	date := h.Get("Date")
	if date == "" {
		return false
	}
	server, err := http.ParseTime(date)
	if err != nil {
		return false
	}
	c.clock.Sync(server)
	return true
}

func apiError(status int, body []byte) *APIError {
	e := &APIError{}
	if err := json.Unmarshal(body, e); err != nil {
		e = &APIError{}
	}
	e.Status = status
	return e
}

func factorsPath(service, identity string) string {
	return "Services/" + url.PathEscape(service) + "/Entities/" + url.PathEscape(identity) + "/Factors"
}

func factorPath(f *models.Factor) (string, error) {
	if f == nil || f.ServiceSID == "" || f.Identity == "" || f.SID == "" {
		return "", ErrMissingFactorContext
	}
	return factorsPath(f.ServiceSID, f.Identity) + "/" + url.PathEscape(f.SID), nil
}

func challengePath(f *models.Factor, sid string) (string, error) {
	if f == nil || f.ServiceSID == "" || f.Identity == "" {
		return "", ErrMissingFactorContext
	}
	p := "Services/" + url.PathEscape(f.ServiceSID) + "/Entities/" + url.PathEscape(f.Identity) + "/Challenges"
	if sid != "" {
		p += "/" + url.PathEscape(sid)
	}
	return p, nil
}
