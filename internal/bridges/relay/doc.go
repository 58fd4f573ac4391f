// Package relay bridges the executor to MQTT.
//
// The bridge publishes retained coil and device state for every change the
// executor reports, turns command messages into SetCoil and SetTag calls,
// and answers each command with an acknowledgement:
//
//	dorfbus/command/coil/hall  {"id":"...","on":true,"source":"panel"}
//	dorfbus/ack/coil/hall      {"command_id":"...","status":"accepted",...}
//
// A HealthReporter publishes periodic gateway health with bus counters.
// Payloads are JSON by default or CBOR when configured.
package relay
