// Package redis implements the durable job queue on top of Redis.
//
// Every state change is a single Lua script so that it is atomic with
// respect to all other producers and workers, in this process or any other.
// Pending jobs live in a sorted set ordered by priority then insertion,
// claimed jobs in a second sorted set scored by claim time, and each job's
// fields in its own hash.
package redis
