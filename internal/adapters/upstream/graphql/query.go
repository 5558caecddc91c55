package graphql

import (
	"fmt"
	"strings"
	"time"
)

// Upstream defaults
const (
	// DefaultURL is the public Pebble GraphQL endpoint
	DefaultURL        = "https://pebble.iotex.me/v1/graphql"
	// DefaultCollection is the upstream root field holding device records
	DefaultCollection = "pebble_device_record"
)

// DefaultFields is the flat field list selected from each record
var DefaultFields = []string{
	"id", "imei", "created_at", "accelerometer", "gas_resistance", "gyroscope",
	"humidity", "latitude", "light", "longitude", "operator", "pressure",
	"signature", "snr", "temperature", "temperature2", "timestamp",
	"updated_at", "vbat",
}

// Page selects one slice of the ordered range [From, To)
// From nil means unbounded below
type Page struct {
	Offset int
	Limit  int
	From   *time.Time
	To     time.Time
}

// queries holds the two prebuilt query documents for one collection and field set
type queries struct {
	bounded   string
	unbounded string
}

// buildQueries renders both shapes. The lower bound is inclusive so records tied
// with the watermark are still reachable; callers offset past the ones they hold.
// id breaks created_at ties so offsets are stable across queries
func buildQueries(collection string, fields []string) queries {
	sel := strings.Join(fields, " ")
	const tmpl = `query(%s) {
  %s(
    limit: $limit,
    offset: $offset,
    order_by: [{created_at: asc}, {id: asc}],
    where: {created_at: {%s}}
  ) {
    %s
  }
}`
	return queries{
		bounded: fmt.Sprintf(tmpl,
			"$limit: Int!, $offset: Int!, $from_created_at: timestamptz!, $to_created_at: timestamptz!",
			collection, "_gte: $from_created_at, _lt: $to_created_at", sel),
		unbounded: fmt.Sprintf(tmpl,
			"$limit: Int!, $offset: Int!, $to_created_at: timestamptz!",
			collection, "_lt: $to_created_at", sel),
	}
}

// request is the POST body
type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// forPage picks the query shape and variables for p
func (q queries) forPage(p Page) request {
	vars := map[string]any{
		"limit":         p.Limit,
		"offset":        p.Offset,
		"to_created_at": p.To.UTC().Format(time.RFC3339Nano),
	}
	if p.From == nil {
		return request{Query: q.unbounded, Variables: vars}
	}
	vars["from_created_at"] = p.From.UTC().Format(time.RFC3339Nano)
	return request{Query: q.bounded, Variables: vars}
}
