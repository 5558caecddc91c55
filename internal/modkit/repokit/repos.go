// Package repokit provides common types and helpers for repository implementations
package repokit

import (
	"telemirror/internal/platform/store"
)

// Queryer is the minimal read and write surface for SQL repos
type Queryer = store.RowQuerier

// TxRunner runs functions inside a transaction or on a held connection
type TxRunner = store.TxRunner

// Columnar is the clickhouse seam
type Columnar = store.Clickhouse

type (
	// Rows are the result set of a query
	Rows = store.Rows

	// Row is a single row result from a query
	Row = store.Row

	// CommandTag is the result of a command that modifies data
	CommandTag = store.CommandTag
)
