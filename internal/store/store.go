// Package store provides storage backends for NudgePipe.
//
// Two relational backends are supported: SQLite (mattn/go-sqlite3) for single-host
// deployments and tests, and PostgreSQL (lib/pq) for shared deployments with many
// workers. Both hold recovery campaigns, steps, blocks, the delivery ledger, payment
// records and the durable job table that backs delayed dispatch.
package store

import (
	"context"
	"strings"
)

// Opts holds configuration options for the relational stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the relational stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or file: URI.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and "sqlite3"
// for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the full persistence surface used by the worker binary.
type Store interface {
	RecoveryRepo
	PaymentRepo
	InboundRepo
	JobRepo
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend matching the DSN.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
