package query

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed response is retained for the
// retryability heuristics.
const maxErrorBody = 64 << 10

// ClientConfig binds a query client to the cluster's current topology and
// credentials.
type ClientConfig struct {
	// Endpoints resolves the live HTTP base URLs for a service
	// ("query", "search", "views", "analytics").
	Endpoints func(service string) []string

	Bucket   string
	Username string
	Password string
	TLS      *tls.Config

	// Timeout is the default request budget when a request does not carry
	// its own.
	Timeout time.Duration

	Logger *zap.Logger
}

// Client executes typed service requests and hands the response stream to a
// RowReader. Endpoint choice is round-robin over the nodes running the
// service.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  *zap.Logger
	rr   atomic.Uint64
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 75 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg.TLS},
			// the budget covers the whole exchange, including draining the
			// streamed body.
			Timeout: cfg.Timeout,
		},
		log: log.Named("query"),
	}
}

// pickEndpoint rotates through the service's nodes.
func (c *Client) pickEndpoint(service string) (string, error) {
	eps := c.cfg.Endpoints(service)
	if len(eps) == 0 {
		return "", errors.Errorf("no node runs the %s service", service)
	}
	return eps[c.rr.Add(1)%uint64(len(eps))], nil
}

// execute performs one service request and wraps the body in a streaming
// reader positioned on rowsAttr. Non-200 responses become *HTTPError with
// the body captured for classification.
func (c *Client) execute(ctx context.Context, service, method, path string, body []byte, rowsAttr string) (*RowReader, error) {
	ep, err := c.pickEndpoint(service)
	if err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build query request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request to %s", service, ep)
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: b, Endpoint: ep}
		c.log.Debug("query service error",
			zap.String("service", service),
			zap.Int("status", resp.StatusCode),
			zap.Bool("retryable", herr.Retryable()))
		return nil, herr
	}

	return NewRowReader(resp.Body, rowsAttr), nil
}
