// Package executor implements the relay operations offered to callers.
//
// The executor is the only component that submits work to the bus coordinator
// and the only writer of live state. Coil and tag switching, device probing,
// address assignment, and resynchronisation all go through it.
//
// Live state is updated from the coordinator's commit callback, on the
// exchange goroutine, so the outcome of every write that reached the bus is
// recorded even when the caller stopped waiting. A failed or timed-out write
// leaves the coil unknown.
//
// Interested components (MQTT bridge, WebSocket hub, history, metrics)
// register a Listener to hear about every state change.
package executor
