package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// defaultSearchTimeoutMS is the ctl.timeout applied when a request carries
// no budget of its own.
const defaultSearchTimeoutMS = 75000

// SearchSort is one element of a search request's sort specification.
// Implementations marshal to the service's sort-object shape; plain strings
// (with a "-" prefix for descending) are also accepted in
// SearchRequest.Sort.
type SearchSort interface {
	searchSort()
}

// IDSearchSort orders results by document id.
type IDSearchSort struct {
	Descending bool
}

func (IDSearchSort) searchSort() {}

func (s IDSearchSort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		By   string `json:"by"`
		Desc bool   `json:"desc,omitempty"`
	}{By: "id", Desc: s.Descending})
}

// ScoreSearchSort orders results by relevance score.
type ScoreSearchSort struct {
	Descending bool
}

func (ScoreSearchSort) searchSort() {}

func (s ScoreSearchSort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		By   string `json:"by"`
		Desc bool   `json:"desc,omitempty"`
	}{By: "score", Desc: s.Descending})
}

// FieldSearchSort orders results by a stored field.
type FieldSearchSort struct {
	Field      string
	Type       string
	Mode       string
	Missing    string
	Descending bool
}

func (FieldSearchSort) searchSort() {}

func (s FieldSearchSort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		By      string `json:"by"`
		Field   string `json:"field"`
		Type    string `json:"type,omitempty"`
		Mode    string `json:"mode,omitempty"`
		Missing string `json:"missing,omitempty"`
		Desc    bool   `json:"desc,omitempty"`
	}{By: "field", Field: s.Field, Type: s.Type, Mode: s.Mode, Missing: s.Missing, Desc: s.Descending})
}

// SearchHighlight controls hit highlighting.
type SearchHighlight struct {
	Style  string   `json:"style,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// SearchConsistency pins the search to at least the given mutation state.
type SearchConsistency struct {
	Level   string         `json:"level,omitempty"`
	Vectors map[string]any `json:"vectors,omitempty"`
}

// SearchRequest is one full-text query against an index. Sort elements may
// be strings ("name", "-age"), SearchSort values, or arbitrary
// JSON-marshalable objects.
type SearchRequest struct {
	Index string

	Query   any
	Size    int
	From    int
	Explain bool
	Fields  []string
	Facets  map[string]any
	Sort    []any

	Highlight   *SearchHighlight
	Consistency *SearchConsistency

	// Timeout overrides the default ctl.timeout.
	Timeout time.Duration
}

// searchCtl is the request's control block.
type searchCtl struct {
	Timeout     int64              `json:"timeout"`
	Consistency *SearchConsistency `json:"consistency,omitempty"`
}

// marshalBody builds the service JSON. The ctl.timeout default is applied
// here so every request carries an explicit budget.
func (r *SearchRequest) marshalBody() ([]byte, error) {
	if r.Query == nil {
		return nil, errors.New("search request has no query")
	}

	timeoutMS := int64(defaultSearchTimeoutMS)
	if r.Timeout > 0 {
		timeoutMS = r.Timeout.Milliseconds()
	}

	body := map[string]any{
		"query": r.Query,
		"ctl":   searchCtl{Timeout: timeoutMS, Consistency: r.Consistency},
	}
	if r.Size > 0 {
		body["size"] = r.Size
	}
	if r.From > 0 {
		body["from"] = r.From
	}
	if r.Explain {
		body["explain"] = true
	}
	if len(r.Fields) > 0 {
		body["fields"] = r.Fields
	}
	if len(r.Facets) > 0 {
		body["facets"] = r.Facets
	}
	if len(r.Sort) > 0 {
		body["sort"] = r.Sort
	}
	if r.Highlight != nil {
		body["highlight"] = r.Highlight
	}
	return json.Marshal(body)
}

// Search runs a full-text request. Rows stream from the response's hits
// array; total_hits and facet blocks arrive as metadata after the drain.
func (c *Client) Search(ctx context.Context, req *SearchRequest) (*RowReader, error) {
	if req.Index == "" {
		return nil, errors.New("search request names no index")
	}
	body, err := req.marshalBody()
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, "search", "POST", "/"+req.Index+"/_search", body, "hits")
}
