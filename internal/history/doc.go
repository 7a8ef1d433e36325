// Package history journals task outcomes published by the tick loop.
//
// Drivers:
//   - "memory": bounded ring, lost on restart
//   - "sqlite": file-backed journal pruned to the configured size
//
// A Recorder consumes the event bus and appends one Record per resolved task.
package history
