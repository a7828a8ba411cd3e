// Package client talks to a routerctl API server started with
// "routerctl serve".
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/routerctl"
)

// Client provides HTTP client functionality to communicate with routerctl serve
type Client struct {
	baseURL string
	token   string
	user    string
	pass    string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // e.g. http://127.0.0.1:8787/api
	Timeout  time.Duration
	Logger   *slog.Logger
	Token    string // bearer token
	Username string // basic auth, used when Token is empty
	Password string
	CACert   string // PEM file trusted in addition to nothing else
	Insecure bool   // skip TLS verification
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message) }

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8787/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates a client. An unreadable CACert is an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var st []routerctl.Status
	err := c.do(ctx, http.MethodGet, "/services", nil, &st)
	c.logger.Debug("server reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

func (c *Client) StatusAll(ctx context.Context) ([]routerctl.Status, error) {
	var out []routerctl.Status
	return out, c.do(ctx, http.MethodGet, "/services", nil, &out)
}

func (c *Client) Status(ctx context.Context, name string) (routerctl.Status, error) {
	var out routerctl.Status
	return out, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &out)
}

func (c *Client) Start(ctx context.Context, name string) (int, error) {
	var out PIDResponse
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", nil, &out)
	return out.PID, err
}

// Stop returns false without an error when the server could not confirm
// the process is gone.
func (c *Client) Stop(ctx context.Context, name string) (bool, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", nil, &out)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusInternalServerError && out.Name != "" {
		return false, nil
	}
	return out.Stopped, err
}

func (c *Client) Restart(ctx context.Context, name string) (int, error) {
	var out PIDResponse
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/restart", nil, &out)
	return out.PID, err
}

func (c *Client) Profiles(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, "/profiles", nil, &out)
}

// Activate mirrors App.Activate: a committed activation whose restart
// failed is returned together with the error.
func (c *Client) Activate(ctx context.Context, profile string, restart bool) (routerctl.Activation, error) {
	path := "/profiles/" + url.PathEscape(profile) + "/activate?restart=" + strconv.FormatBool(restart)
	resp, body, err := c.send(ctx, http.MethodPost, path, nil)
	if err != nil {
		return routerctl.Activation{}, err
	}
	if resp.StatusCode == http.StatusOK {
		var out routerctl.Activation
		return out, decode(body, &out)
	}
	var partial activationError
	if json.Unmarshal(body, &partial) == nil && partial.Activation.Profile != "" {
		return partial.Activation, &APIError{Status: resp.StatusCode, Message: partial.Error}
	}
	return routerctl.Activation{}, c.apiError(resp.StatusCode, body)
}

func (c *Client) State(ctx context.Context) (routerctl.State, error) {
	var out routerctl.State
	return out, c.do(ctx, http.MethodGet, "/state", nil, &out)
}

func (c *Client) Events(ctx context.Context, limit int) ([]routerctl.Event, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []routerctl.Event
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", config.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do sends a request and decodes a 2xx body into out. Non-2xx bodies are
// still decoded into out when they parse, then an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, body, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 == 2 {
		return decode(body, out)
	}
	if out != nil {
		_ = json.Unmarshal(body, out)
	}
	return c.apiError(resp.StatusCode, body)
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, []byte, error) {
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func (c *Client) apiError(status int, body []byte) error {
	var er ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	c.logger.Debug("API request failed", "status", status, "error", msg)
	return &APIError{Status: status, Message: msg}
}

func decode(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
