// Package writer stores subscription pushes in PostgreSQL.
//
// The notification writer drains a provider's message stream, accumulates
// rows and inserts them with pgx.Batch when the batch is full or the flush
// interval elapses. Rows are append-only.
package writer
