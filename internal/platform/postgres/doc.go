// Package postgres implements the durable job queue on PostgreSQL.
//
// Jobs live in a single table. Pending rows are claimed with
// FOR UPDATE SKIP LOCKED in priority then insertion order, state changes
// run in a transaction that locks the row and applies the job state
// machine, and new work is announced with NOTIFY so blocked claimers wake
// without waiting for the next poll.
package postgres
