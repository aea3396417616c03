// Package logx is edusync's structured logging layer on top of zerolog.
//
// Components receive a Logger tagged with Comp(name) and add JobID or TaskID
// per event. Service.Apply swaps level and sinks on config reload.
package logx
