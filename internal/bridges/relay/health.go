package relay

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/infrastructure/mqtt"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	GatewayID string
	Version   string

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Codec     Codec
	QoS       byte

	// Store supplies device visibility counts.
	Store *livestate.Store

	// BusStats supplies coordinator counters.
	BusStats func() bus.Stats

	Logger Logger
}

// HealthReporter publishes gateway health at a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	// lastFailures tracks the failure counter between reports so a burst of
	// bus errors shows up as degraded for one interval.
	mu           sync.Mutex
	lastFailures uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.Codec == nil {
		cfg.Codec = jsonCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start publishes a starting status and then reports every interval until
// ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	if err := h.publish(HealthStarting, "gateway starting"); err != nil {
		h.cfg.Logger.Warn("publishing starting health", "error", err)
	}
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final stopping status. Safe to call
// more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		//nolint:errcheck // Best effort during shutdown
		h.publish(HealthStopping, "")
	})
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.cfg.Logger.Warn("publishing health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) counts() (total, seen int) {
	if h.cfg.Store == nil {
		return 0, 0
	}
	for _, d := range h.cfg.Store.Devices() {
		total++
		if d.Seen() {
			seen++
		}
	}
	return total, seen
}

func (h *HealthReporter) busStats() bus.Stats {
	if h.cfg.BusStats == nil {
		return bus.Stats{}
	}
	return h.cfg.BusStats()
}

// determineStatus is degraded when a configured device is not seen or the
// bus reported failures since the previous report.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	total, seen := h.counts()
	stats := h.busStats()

	h.mu.Lock()
	newFailures := stats.Failures - h.lastFailures
	h.lastFailures = stats.Failures
	h.mu.Unlock()

	switch {
	case seen < total:
		return HealthDegraded, "devices not seen on bus"
	case newFailures > 0:
		return HealthDegraded, "bus exchanges failing"
	default:
		return HealthHealthy, ""
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return nil
	}
	total, seen := h.counts()
	msg := HealthMessage{
		GatewayID:     h.cfg.GatewayID,
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		DevicesTotal:  total,
		DevicesSeen:   seen,
		Bus:           h.busStats(),
		Timestamp:     time.Now().UTC(),
	}
	payload, err := h.cfg.Codec.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.Health(), payload, h.cfg.QoS, true)
}
