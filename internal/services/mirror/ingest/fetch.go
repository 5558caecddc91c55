// Package ingest holds adapter shims for mirror ingest ports
package ingest

import (
	"context"
	"time"

	"telemirror/internal/adapters/upstream/graphql"
	"telemirror/internal/core/record"
	"telemirror/internal/services/mirror/domain"
)

// pager is the slice of the graphql client the fetcher needs
type pager interface {
	Fetch(ctx context.Context, p graphql.Page) ([]record.Record, error)
}

// fetcher implements domain.Fetcher over the upstream GraphQL client
type fetcher struct {
	c pager
}

// NewFetcher adapts a graphql client to domain.Fetcher
func NewFetcher(c *graphql.Client) domain.Fetcher { return &fetcher{c: c} }

func (f *fetcher) Fetch(ctx context.Context, offset, limit int, from *time.Time, to time.Time) ([]record.Record, error) {
	return f.c.Fetch(ctx, graphql.Page{Offset: offset, Limit: limit, From: from, To: to})
}
