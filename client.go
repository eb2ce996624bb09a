package pbmigrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credentials holds authentication credentials.
type Credentials struct {
	Email    string
	Password string
}

// Conn is an authenticated connection to PocketBase. It is the handle
// PocketBase migrations receive in their Up and Down procedures.
type Conn interface {
	Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error)
}

const (
	userAuthEndpoint      = "/api/collections/users/auth-with-password"
	superuserAuthEndpoint = "/api/collections/_superusers/auth-with-password"

	tokenTTL       = 23 * time.Hour
	defaultBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// ClientOption configures optional Client settings.
type ClientOption func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger used for authentication events.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = defaultHTTPClient()
		}
		c.httpClient.Timeout = timeout
	}
}

// WithRetry sets the maximum number of retries for transient errors and the base backoff.
func WithRetry(maxRetries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		c.maxRetries = maxRetries
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// Client opens sessions against a PocketBase instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewClient constructs a PocketBase client.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("baseURL is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(),
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = defaultHTTPClient()
	}

	return c, nil
}

// AuthenticateUser opens a session through the users collection.
func (c *Client) AuthenticateUser(ctx context.Context, creds Credentials) (*Session, error) {
	return c.openSession(ctx, creds, userAuthEndpoint)
}

// AuthenticateSuperuser opens a session through the _superusers collection.
// Collection management requires a superuser session.
func (c *Client) AuthenticateSuperuser(ctx context.Context, creds Credentials) (*Session, error) {
	return c.openSession(ctx, creds, superuserAuthEndpoint)
}

// SessionFromToken wraps an already issued token. The session cannot
// re-authenticate once the token is rejected or expires.
func (c *Client) SessionFromToken(token string, expires time.Time) *Session {
	return &Session{
		client:  c,
		token:   token,
		expires: expires,
	}
}

func (c *Client) openSession(ctx context.Context, creds Credentials, endpoint string) (*Session, error) {
	if strings.TrimSpace(creds.Email) == "" {
		return nil, errors.New("email is required")
	}
	if creds.Password == "" {
		return nil, errors.New("password is required")
	}

	token, err := c.requestToken(ctx, creds, endpoint)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:   c,
		creds:    creds,
		endpoint: endpoint,
		token:    token,
		expires:  time.Now().Add(tokenTTL),
	}
	if c.logger != nil {
		c.logger.Info("authenticated with PocketBase", "endpoint", endpoint, "expires", s.expires)
	}
	return s, nil
}

func (c *Client) requestToken(ctx context.Context, creds Credentials, endpoint string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(map[string]string{
		"identity": creds.Email,
		"password": creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authentication request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", mapHTTPError(resp.StatusCode, body)
	}

	var authResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", fmt.Errorf("parse auth response: %w", err)
	}
	if authResp.Token == "" {
		return "", errors.New("authentication succeeded but token missing")
	}
	return authResp.Token, nil
}

// Session is an authenticated Conn. It refreshes its token when it expires
// and retries transport errors and 429 responses with exponential backoff.
type Session struct {
	client   *Client
	creds    Credentials
	endpoint string

	mu      sync.Mutex
	token   string
	expires time.Time
	closed  bool
}

var _ Conn = (*Session)(nil)

// Do executes an authenticated request. path is relative to the base URL.
func (s *Session) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if s == nil || s.client == nil {
		return nil, ErrNilSession
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var payload []byte
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		payload = data
	}

	url := s.client.baseURL + "/" + strings.TrimLeft(path, "/")
	attempts := s.client.maxRetries

	for attempt := 0; attempt <= attempts; attempt++ {
		token, err := s.currentToken(ctx)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if attempt == attempts {
				return nil, err
			}
			if waitErr := s.wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			s.invalidate()
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt < attempts {
			resp.Body.Close()
			if waitErr := s.wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return resp, nil
	}

	return nil, errors.New("request failed after retries")
}

// Close drops the session token. Later requests fail with ErrSessionClosed.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
	s.creds = Credentials{}
	s.closed = true
	return nil
}

// currentToken returns a valid token, re-authenticating under the lock when
// the cached one has expired or was rejected.
func (s *Session) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if s.token != "" && (s.expires.IsZero() || time.Now().Before(s.expires)) {
		return s.token, nil
	}
	if s.endpoint == "" {
		return "", fmt.Errorf("%w: session token expired", ErrUnauthorized)
	}

	token, err := s.client.requestToken(ctx, s.creds, s.endpoint)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = time.Now().Add(tokenTTL)
	if s.client.logger != nil {
		s.client.logger.Info("re-authenticated with PocketBase", "endpoint", s.endpoint, "expires", s.expires)
	}
	return token, nil
}

func (s *Session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
}

func (s *Session) wait(ctx context.Context, attempt int) error {
	backoff := s.client.backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	timer := time.NewTimer(retryDelay(backoff, attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay doubles backoff per attempt, capped at maxBackoff.
func retryDelay(backoff time.Duration, attempt int) time.Duration {
	delay := backoff
	for i := 0; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxBackoff)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
