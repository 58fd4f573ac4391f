package relay

import (
	"time"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// CommandMessage asks the gateway to switch a coil or every coil of a tag.
type CommandMessage struct {
	// ID correlates the acknowledgement. Generated when empty.
	ID string `json:"id"`

	On bool `json:"on"`

	// Source labels the change in history and listeners. Defaults to "mqtt".
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means every addressed relay confirmed the write.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected or a relay reported an error.
	AckFailed AckStatus = "failed"

	// AckTimeout means a relay did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// Error codes carried in AckError.
const (
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeDeviceUnseen   = "DEVICE_UNSEEN"
	ErrCodeProtocolError  = "PROTOCOL_ERROR"
)

// AckMessage reports the outcome of a command.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Kind      string    `json:"kind"`
	Status    AckStatus `json:"status"`

	// Coils lists the resulting coil states.
	Coils []livestate.CoilSnapshot `json:"coils,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError describes a failed or timed out command.
type AckError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Failed  []string `json:"failed,omitempty"`
}

// CoilStateMessage is published retained on the coil state topic.
type CoilStateMessage struct {
	livestate.CoilSnapshot
	Previous  livestate.CoilValue `json:"previous"`
	Source    string              `json:"source"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// DeviceStateMessage is published retained on the device state topic.
type DeviceStateMessage struct {
	livestate.DeviceSnapshot
	WasSeen   bool      `json:"was_seen"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the gateway condition reported on the health topic.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on the health topic.
type HealthMessage struct {
	GatewayID     string       `json:"gateway_id"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	DevicesTotal  int          `json:"devices_total"`
	DevicesSeen   int          `json:"devices_seen"`
	Bus           bus.Stats    `json:"bus"`
	Timestamp     time.Time    `json:"timestamp"`
}
