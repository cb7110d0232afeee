package query

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

// ViewRequest addresses one map-reduce view.
type ViewRequest struct {
	DesignDoc string
	View      string

	// Options are the view's query parameters (key, startkey, limit,
	// stale, ...), already JSON-encoded where the service expects JSON.
	Options url.Values
}

// View runs a view read. Rows stream from the rows array; total_rows
// arrives as metadata.
func (c *Client) View(ctx context.Context, req *ViewRequest) (*RowReader, error) {
	if req.DesignDoc == "" || req.View == "" {
		return nil, errors.New("view request names no design document or view")
	}
	if c.cfg.Bucket == "" {
		return nil, errors.New("view requests require a bucket")
	}

	path := "/" + c.cfg.Bucket + "/_design/" + url.PathEscape(req.DesignDoc) + "/_view/" + url.PathEscape(req.View)
	if len(req.Options) > 0 {
		path += "?" + req.Options.Encode()
	}
	return c.execute(ctx, "views", "GET", path, nil, "rows")
}
