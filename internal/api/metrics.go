package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/dorfbus/internal/bridges/relay"
	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string               `json:"timestamp"`
	Version       string               `json:"version"`
	GatewayID     string               `json:"gateway_id"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Runtime       RuntimeMetrics       `json:"runtime"`
	Bus           *bus.Stats           `json:"bus,omitempty"`
	WebSocket     WSMetrics            `json:"websocket"`
	MQTT          MQTTMetrics          `json:"mqtt"`
	Bridge        *relay.BridgeMetrics `json:"bridge,omitempty"`
	Devices       DeviceMetrics        `json:"devices"`
	Coils         CoilMetrics          `json:"coils"`
	Database      *DatabaseMetrics     `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics counts configured devices by whether they answered their last probe.
type DeviceMetrics struct {
	Total  int `json:"total"`
	Seen   int `json:"seen"`
	Unseen int `json:"unseen"`
}

// CoilMetrics counts coils by cached status.
type CoilMetrics struct {
	Total    int                         `json:"total"`
	ByStatus map[livestate.CoilValue]int `json:"by_status"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		GatewayID:     s.gatewayID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	if s.busStats != nil {
		st := s.busStats()
		metrics.Bus = &st
	}
	if s.bridgeMetrics != nil {
		bm := s.bridgeMetrics()
		metrics.Bridge = &bm
	}

	store := s.exec.Store()
	for _, d := range store.Devices() {
		metrics.Devices.Total++
		if d.Seen() {
			metrics.Devices.Seen++
		} else {
			metrics.Devices.Unseen++
		}
	}
	metrics.Coils.ByStatus = map[livestate.CoilValue]int{
		livestate.On:      0,
		livestate.Off:     0,
		livestate.Unknown: 0,
	}
	for _, c := range store.Coils() {
		metrics.Coils.Total++
		metrics.Coils.ByStatus[c.Status()]++
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
