// Package influxdb writes gateway telemetry to InfluxDB v2.
//
// Client implements executor.Listener for coil and device changes and offers
// ObserveExchange as a bus.Observer for per-exchange timing:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	exec.AddListener(client)
//	coord.Observe(client.ObserveExchange)
//
// Measurements:
//   - coil_state: tags coil, device, source; fields level (1/0/-1), status, failed
//   - device_probe: tags device, address, source; fields seen, was_seen, version
//   - bus_exchange: tags op, target, outcome; field duration_ms
//
// Writes are batched and non-blocking. Asynchronous write failures reach the
// callback set with SetOnError.
package influxdb
