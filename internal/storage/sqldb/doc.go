// Package sqldb provides the shared database/sql connection used by the grant,
// payment, split and settlement group stores. It supports MySQL for production
// and SQLite (pure Go driver) for embedded deployments and tests, and applies
// the embedded schema migrations for the selected dialect on open.
package sqldb
