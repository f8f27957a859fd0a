// Package database provides the PostgreSQL connection pool and schema for
// the notification store.
//
// Subscription pushes are stored append-only in rpc_notifications, one row
// per push, keyed by the connection session that received them.
package database
