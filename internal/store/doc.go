// Package store provides the usage ledger for the gateway using SQLite.
//
// Every successful execution is recorded with its token counts, endpoint,
// model and session. GetUsageStats aggregates records for the
// GET /api/stats/usage endpoint, optionally filtered by time window and
// endpoint, with a per-model breakdown.
//
// The database is opened with modernc.org/sqlite (pure Go, no cgo) in WAL
// mode. Recording is best effort: the gateway logs save failures and never
// fails a request because of them.
package store
