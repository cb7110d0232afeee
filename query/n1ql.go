package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// N1QLConsistency selects the scan consistency for a statement.
type N1QLConsistency string

const (
	// NotBounded runs against whatever the indexer currently holds.
	NotBounded = N1QLConsistency("not_bounded")

	// RequestPlus waits for the indexer to catch up to the request time.
	RequestPlus = N1QLConsistency("request_plus")

	// AtPlus waits for the mutations named in ScanVectors.
	AtPlus = N1QLConsistency("at_plus")
)

// N1QLRequest is one SQL-like statement.
type N1QLRequest struct {
	Statement       string
	Args            []any
	NamedArgs       map[string]any
	ClientContextID string
	Consistency     N1QLConsistency

	// ScanVectors carries per-keyspace mutation state for AtPlus, keyed by
	// keyspace then partition.
	ScanVectors map[string]map[string]any

	// ReadOnly marks statements the service may route to any node.
	ReadOnly bool

	Timeout time.Duration
}

func (r *N1QLRequest) marshalBody(defaultTimeout time.Duration) ([]byte, error) {
	if r.Statement == "" {
		return nil, errors.New("n1ql request has no statement")
	}

	timeout := defaultTimeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	body := map[string]any{
		"statement": r.Statement,
		"timeout":   fmt.Sprintf("%dms", timeout.Milliseconds()),
	}
	if len(r.Args) > 0 {
		body["args"] = r.Args
	}
	for k, v := range r.NamedArgs {
		body["$"+k] = v
	}
	if r.ClientContextID != "" {
		body["client_context_id"] = r.ClientContextID
	}
	if r.Consistency != "" {
		body["scan_consistency"] = string(r.Consistency)
	}
	if len(r.ScanVectors) > 0 {
		body["scan_vectors"] = r.ScanVectors
	}
	if r.ReadOnly {
		body["readonly"] = true
	}
	return json.Marshal(body)
}

// N1QL executes a statement. Rows stream from the results array; status,
// metrics and any errors block arrive as metadata after the drain.
func (c *Client) N1QL(ctx context.Context, req *N1QLRequest) (*RowReader, error) {
	body, err := req.marshalBody(c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, "query", "POST", "/query/service", body, "results")
}
