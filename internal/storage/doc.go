// Package storage provides the durable substrates behind the task queue.
//
// Drivers:
//   - sqlite:   a single SQLite file (modernc.org/sqlite, WAL); the default
//   - postgres: a shared PostgreSQL database; safe for workers in several processes
//   - redis:    a shared Redis (go-redis); tasks as JSON strings, sorted sets per state
//   - file:     dependency-free journal + snapshot files for a single process
//
// Every driver implements taskqueue.Store. Timestamps are stored in UTC.
package storage
