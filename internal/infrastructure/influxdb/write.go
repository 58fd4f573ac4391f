package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// Measurement names.
const (
	MeasurementCoilState   = "coil_state"
	MeasurementDeviceProbe = "device_probe"
	MeasurementBusExchange = "bus_exchange"
)

// coilLevel maps a coil value to a plottable field. Unknown is -1.
func coilLevel(v livestate.CoilValue) int {
	switch v {
	case livestate.On:
		return 1
	case livestate.Off:
		return 0
	default:
		return -1
	}
}

func coilPoint(c executor.CoilChange) *write.Point {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementCoilState,
		map[string]string{
			"coil":   c.Coil.Name,
			"device": c.Coil.Device,
			"source": c.Source,
		},
		map[string]any{
			"level":  coilLevel(c.Coil.Status),
			"status": string(c.Coil.Status),
			"failed": c.Err != nil,
		},
		at,
	)
}

func devicePoint(d executor.DeviceChange) *write.Point {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := map[string]any{
		"seen":     d.Device.Seen,
		"was_seen": d.WasSeen,
	}
	if d.Device.Version != nil {
		fields["version"] = int(*d.Device.Version)
	}
	return write.NewPoint(MeasurementDeviceProbe,
		map[string]string{
			"device":  d.Device.Name,
			"address": strconv.Itoa(int(d.Device.Address)),
			"source":  d.Source,
		},
		fields,
		at,
	)
}

func exchangePoint(r bus.Result, err error) *write.Point {
	outcome := "ok"
	switch {
	case bus.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	tags := map[string]string{"outcome": outcome}
	if r.Op != nil {
		tags["op"] = r.Op.Kind()
		tags["target"] = strconv.Itoa(int(r.Op.Target()))
	}
	at := r.Started
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementBusExchange, tags,
		map[string]any{"duration_ms": float64(r.Duration) / float64(time.Millisecond)},
		at,
	)
}

// CoilChanged implements executor.Listener.
func (c *Client) CoilChanged(change executor.CoilChange) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(coilPoint(change))
}

// DeviceChanged implements executor.Listener.
func (c *Client) DeviceChanged(change executor.DeviceChange) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(devicePoint(change))
}

// ObserveExchange records one bus exchange. It has the bus.Observer signature.
func (c *Client) ObserveExchange(r bus.Result, err error) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(exchangePoint(r, err))
}
