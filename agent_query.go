package gocoral

import (
	"context"

	"github.com/unkn0wn-root/gocoral/query"
)

// qclient lazily builds the HTTP query client; the endpoint source reads
// the live cluster map on every request.
func (a *Agent) qclient() *query.Client {
	a.qclientInit.Do(func() {
		a.q = a.queryExecutor()
	})
	return a.q
}

// N1QLQuery executes a SQL-like statement and streams its results.
func (a *Agent) N1QLQuery(ctx context.Context, req *query.N1QLRequest) (*query.RowReader, error) {
	return a.qclient().N1QL(ctx, req)
}

// SearchQuery executes a full-text search and streams its hits.
func (a *Agent) SearchQuery(ctx context.Context, req *query.SearchRequest) (*query.RowReader, error) {
	return a.qclient().Search(ctx, req)
}

// ViewQuery executes a map-reduce view read and streams its rows.
func (a *Agent) ViewQuery(ctx context.Context, req *query.ViewRequest) (*query.RowReader, error) {
	return a.qclient().View(ctx, req)
}

// AnalyticsQuery executes an analytics statement and streams its results.
func (a *Agent) AnalyticsQuery(ctx context.Context, req *query.AnalyticsRequest) (*query.RowReader, error) {
	return a.qclient().Analytics(ctx, req)
}
