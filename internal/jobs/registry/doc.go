// Package registry owns in-memory job records and per-kind handler bindings.
//
// It is the best-effort side of edusync's background work: jobs live only for
// the lifetime of the process, are never retried, and are dispatched by the
// scheduler package. Work that must survive restarts goes through taskqueue.
package registry
