package influxdb

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// fakeInflux answers pings and records line protocol bodies.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ping":
		w.WriteHeader(f.status)
	case r.URL.Path == "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "dorfbus-test-token",
		Org:           "dorfbus",
		Bucket:        "relays",
		BatchSize:     1,
		FlushInterval: 1,
	}
}

func lineOf(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{status: http.StatusServiceUnavailable})
	defer srv.Close()

	_, err := Connect(testConfig(srv.URL))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WritesListenerEvents(t *testing.T) {
	fake := &fakeInflux{status: http.StatusNoContent}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.CoilChanged(executor.CoilChange{
		Coil:   livestate.CoilSnapshot{Name: "hall", Device: "alpha", Status: livestate.On},
		Source: executor.SourceAPI,
		At:     time.Now(),
	})
	client.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(fake.written(), "coil_state,coil=hall") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(fake.written(), "coil_state,coil=hall,device=alpha,source=api") {
		t.Errorf("written = %q", fake.written())
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	// Writes after Close are dropped.
	client.ObserveExchange(bus.Result{}, nil)
	client.Flush()
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}

func TestCoilPoint(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		change executor.CoilChange
		want   []string
	}{
		{
			name: "on",
			change: executor.CoilChange{
				Coil:   livestate.CoilSnapshot{Name: "hall", Device: "alpha", Status: livestate.On},
				Source: "mqtt", At: at,
			},
			want: []string{"coil_state,coil=hall,device=alpha,source=mqtt", "level=1i", `status="on"`, "failed=false"},
		},
		{
			name: "failed write",
			change: executor.CoilChange{
				Coil:   livestate.CoilSnapshot{Name: "porch", Device: "bravo", Status: livestate.Unknown},
				Source: "api", Err: bus.ErrTimeout, At: at,
			},
			want: []string{"level=-1i", `status="unknown"`, "failed=true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := lineOf(coilPoint(tt.change))
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q missing %q", line, w)
				}
			}
		})
	}
}

func TestDevicePoint(t *testing.T) {
	version := uint16(3)
	line := lineOf(devicePoint(executor.DeviceChange{
		Device: livestate.DeviceSnapshot{Name: "alpha", Address: 17, Seen: true, Version: &version},
		Source: "resync",
		At:     time.Now(),
	}))
	for _, w := range []string{"device_probe,address=17,device=alpha,source=resync", "seen=true", "version=3i", "was_seen=false"} {
		if !strings.Contains(line, w) {
			t.Errorf("line %q missing %q", line, w)
		}
	}

	line = lineOf(devicePoint(executor.DeviceChange{Device: livestate.DeviceSnapshot{Name: "alpha", Address: 17}}))
	if strings.Contains(line, "version=") {
		t.Errorf("unseen device should carry no version: %q", line)
	}
}

func TestExchangePoint(t *testing.T) {
	r := bus.Result{
		Op:       bus.WriteCoil{DeviceAddr: 2, CoilAddr: 5, Value: true},
		Started:  time.Now(),
		Duration: 1500 * time.Microsecond,
	}
	tests := []struct {
		err     error
		outcome string
	}{
		{nil, "outcome=ok"},
		{bus.ErrTimeout, "outcome=timeout"},
		{bus.ErrInvalidResponse, "outcome=error"},
	}
	for _, tt := range tests {
		line := lineOf(exchangePoint(r, tt.err))
		for _, w := range []string{"bus_exchange,op=write_coil", tt.outcome, "target=2", "duration_ms=1.5"} {
			if !strings.Contains(line, w) {
				t.Errorf("line %q missing %q", line, w)
			}
		}
	}
}
