// Package livestate holds the runtime view of the relay bus.
//
// A Store is built from a topology once and never grows or shrinks: only the
// per-entry fields change. Every DeviceState records the hardware version read
// by the last successful probe and whether that probe succeeded. Every
// CoilState records the last value certainly written, or unknown when no write
// has succeeded yet or the last one failed.
//
// Each entry guards its own fields, so readers never wait on a bus exchange.
// The store performs no I/O; the executor is its only writer.
package livestate
