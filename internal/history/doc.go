// Package history keeps a local audit trail of coil switches and device
// probes in SQLite.
//
// Repository reads and writes the coil_history and device_history tables.
// Recorder is an executor.Listener that queues every state change and
// appends it from a single background writer so bus goroutines never wait
// on disk.
package history
