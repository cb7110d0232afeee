package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AnalyticsRequest is one statement for the analytics service.
type AnalyticsRequest struct {
	Statement       string
	NamedArgs       map[string]any
	ClientContextID string

	Timeout time.Duration
}

func (r *AnalyticsRequest) marshalBody(defaultTimeout time.Duration) ([]byte, error) {
	if r.Statement == "" {
		return nil, errors.New("analytics request has no statement")
	}

	timeout := defaultTimeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	body := map[string]any{
		"statement": r.Statement,
		"timeout":   fmt.Sprintf("%dms", timeout.Milliseconds()),
	}
	for k, v := range r.NamedArgs {
		body["$"+k] = v
	}
	if r.ClientContextID != "" {
		body["client_context_id"] = r.ClientContextID
	}
	return json.Marshal(body)
}

// Analytics executes a statement. Rows stream from the results array.
func (c *Client) Analytics(ctx context.Context, req *AnalyticsRequest) (*RowReader, error) {
	body, err := req.marshalBody(c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, "analytics", "POST", "/analytics/service", body, "results")
}
