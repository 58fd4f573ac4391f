// Package bus serialises access to the shared Modbus-RTU line.
//
// RS-485 Modbus is single-master and half-duplex: one request may be on the
// wire at a time and its response must be consumed before the next request is
// sent. The Coordinator owns the only Conn and admits one exchange at a time
// through a gate. Every exchange is bounded by a fixed timeout; when it expires
// the caller is told ErrTimeout but the gate stays closed until the raw call
// has actually returned, so a late reply can never be read as the answer to
// the next request.
//
// Submit hands an operation to an independent goroutine. The exchange, and the
// optional commit callback attached to it, run to completion even if the
// caller stops waiting. The outcome is delivered once on a buffered channel.
//
// The coordinator never retries and knows nothing about live state; that is
// the executor's job.
package bus
