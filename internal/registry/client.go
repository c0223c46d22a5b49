package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/session"
	"sunarp-console/internal/shared/metrics"
	"sunarp-console/internal/shared/telemetry"
)

const (
	opCreate   = "create analysis"
	opGet      = "get analysis"
	opList     = "list analyses"
	opCancel   = "cancel analysis"
	opDelete   = "delete analysis"
	opArtifact = "fetch artifact"
	opLogin    = "login"
	opMe       = "me"

	// DefaultTimeout bounds every request. Timeouts are not retried.
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 << 10
)

// User is the profile returned by the auth endpoints.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Transport is the base round tripper, mainly for tests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the registry analysis API. Authenticated calls carry the
// session bearer token; a 401 expires the session.
type Client struct {
	baseURL string
	session *session.Session
	authed  *http.Client
	anon    *http.Client
}

// New constructs a Client bound to sess.
func New(opts Options, sess *session.Session) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("registry base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse registry base url: %w", err)
	}
	if sess == nil {
		return nil, errors.New("session is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Client{
		baseURL: base,
		session: sess,
		authed: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: sess, Base: sentRequest{base: rt}},
		},
		anon: &http.Client{Timeout: timeout, Transport: rt},
	}, nil
}

// sentRequest pins resp.Request to the request as it went out, bearer header
// included, so a 401 can be matched to the credential it rejected.
type sentRequest struct{ base http.RoundTripper }

func (t sentRequest) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		resp.Request = req
	}
	return resp, err
}

func sentBearer(resp *http.Response) string {
	if resp.Request == nil {
		return ""
	}
	return strings.TrimPrefix(resp.Request.Header.Get("Authorization"), "Bearer ")
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *session.Session { return c.session }

type envelope struct {
	Data       json.RawMessage      `json:"data"`
	Error      *errorBody           `json:"error"`
	Pagination *analyses.Pagination `json:"pagination"`
	Detail     any                  `json:"detail"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// CreateAnalysis submits a new lookup. The request must already be validated.
func (c *Client) CreateAnalysis(ctx context.Context, req analyses.CreateRequest) (analyses.Created, error) {
	var created analyses.Created
	env, err := c.do(ctx, c.authed, opCreate, http.MethodPost, "/api/sunarp/analyze", req, http.StatusCreated)
	if err != nil {
		return created, err
	}
	if err := decodeData(opCreate, env, &created); err != nil {
		return created, err
	}
	return created, nil
}

// GetAnalysis fetches the full entity.
func (c *Client) GetAnalysis(ctx context.Context, id string) (analyses.Analysis, error) {
	var a analyses.Analysis
	env, err := c.do(ctx, c.authed, opGet, http.MethodGet, analysisPath(id, ""), nil, http.StatusOK)
	if err != nil {
		return a, err
	}
	if err := decodeData(opGet, env, &a); err != nil {
		return a, err
	}
	return a, nil
}

// ListAnalyses fetches one page of summaries.
func (c *Client) ListAnalyses(ctx context.Context, p analyses.ListParams) (analyses.Page, error) {
	p = p.Normalize()
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("per_page", strconv.Itoa(p.PerPage))
	if p.Status != "" {
		q.Set("status", string(p.Status))
	}

	var page analyses.Page
	env, err := c.do(ctx, c.authed, opList, http.MethodGet, "/api/sunarp/analyses?"+q.Encode(), nil, http.StatusOK)
	if err != nil {
		return page, err
	}
	if err := decodeData(opList, env, &page.Items); err != nil {
		return page, err
	}
	if page.Items == nil {
		page.Items = []analyses.Summary{}
	}
	if env.Pagination != nil {
		page.Pagination = *env.Pagination
	} else {
		page.Pagination = analyses.Pagination{Page: p.Page, PerPage: p.PerPage, Total: len(page.Items)}
	}
	return page, nil
}

// CancelAnalysis asks the server to stop a pending or processing analysis and
// returns the entity as the server now sees it.
func (c *Client) CancelAnalysis(ctx context.Context, id string) (analyses.Analysis, error) {
	var a analyses.Analysis
	env, err := c.do(ctx, c.authed, opCancel, http.MethodPost, analysisPath(id, "cancel"), nil, http.StatusOK)
	if err != nil {
		return a, err
	}
	if err := decodeData(opCancel, env, &a); err != nil {
		return a, err
	}
	return a, nil
}

// DeleteAnalysis hard-deletes an analysis.
func (c *Client) DeleteAnalysis(ctx context.Context, id string) error {
	_, err := c.do(ctx, c.authed, opDelete, http.MethodDelete, analysisPath(id, ""), nil, http.StatusNoContent)
	return err
}

// FetchArtifact downloads the generated document for a completed analysis.
func (c *Client) FetchArtifact(ctx context.Context, id string) ([]byte, string, error) {
	resp, reqID, err := c.send(ctx, c.authed, opArtifact, http.MethodGet, analysisPath(id, "pdf"), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", c.apiError(opArtifact, resp, reqID)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransport(opArtifact, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Login exchanges credentials for a token and signs the session in.
func (c *Client) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &analyses.ValidationError{Field: "email", Message: "email is required"}
	}
	if password == "" {
		return &analyses.ValidationError{Field: "password", Message: "password is required"}
	}
	body := map[string]string{"email": email, "password": password}
	env, err := c.do(ctx, c.anon, opLogin, http.MethodPost, "/api/auth/login", body, http.StatusOK)
	if err != nil {
		return err
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := decodeData(opLogin, env, &tok); err != nil {
		return err
	}
	return c.session.SignIn(tok.Token)
}

// Me returns the profile behind the current session.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	env, err := c.do(ctx, c.authed, opMe, http.MethodGet, "/api/auth/me", nil, http.StatusOK)
	if err != nil {
		return u, err
	}
	if err := decodeData(opMe, env, &u); err != nil {
		return u, err
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, body any, want int) (envelope, error) {
	var env envelope
	resp, reqID, err := c.send(ctx, hc, op, method, path, body)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return env, c.apiError(op, resp, reqID)
	}
	if resp.StatusCode == http.StatusNoContent {
		return env, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return env, nil
		}
		return env, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return env, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, op, method, path string, body any) (*http.Response, string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, "", fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := analyses.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set("X-Request-Id", reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	metrics.ObserveRequestDurationMs(float64(time.Since(start).Microseconds()) / 1000.0)
	if err != nil {
		telemetry.Warn("registry.request_failed", map[string]any{
			"op":         op,
			"method":     method,
			"path":       path,
			"request_id": reqID,
			"error":      err.Error(),
		})
		return nil, reqID, classifyTransport(op, err)
	}
	return resp, reqID, nil
}

func (c *Client) apiError(op string, resp *http.Response, reqID string) error {
	apiErr := &APIError{Op: op, Status: resp.StatusCode, RequestID: reqID}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env envelope
	if len(raw) > 0 && json.Unmarshal(raw, &env) == nil {
		switch {
		case env.Error != nil:
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		case env.Detail != nil:
			apiErr.Message = fmt.Sprint(env.Detail)
		}
	}

	fields := map[string]any{
		"op":         op,
		"status":     apiErr.Status,
		"code":       apiErr.Code,
		"request_id": reqID,
	}
	if apiErr.RetryAfter > 0 {
		fields["retry_after_ms"] = apiErr.RetryAfter.Milliseconds()
	}
	if resp.StatusCode == http.StatusUnauthorized && op != opLogin {
		fields["expired"] = c.session.ExpireToken(sentBearer(resp))
		telemetry.Warn("registry.unauthorized", fields)
	} else if resp.StatusCode == http.StatusTooManyRequests {
		telemetry.Warn("registry.rate_limited", fields)
	} else if resp.StatusCode >= 500 {
		telemetry.Error("registry.server_error", fields)
	}
	return apiErr
}

func decodeData(op string, env envelope, dst any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s: response has no data", op)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func analysisPath(id, suffix string) string {
	p := "/api/sunarp/analyses/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
