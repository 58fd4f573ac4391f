package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/bus/bustest"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/livestate"
	"github.com/nerrad567/dorfbus/internal/topology"
)

const testTopology = `
devices:
  hall:
    modbus-address: 4
coils:
  hall-light:
    device: hall
    address: 0
    default-status: on
  hall-bell:
    device: hall
    address: 1
`

// writeConfig writes a config file pointing at a topology in the same
// directory and returns its path.
func writeConfig(t *testing.T, topologyPath, serialPath string) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
gateway:
  id: test-gw

serial:
  path: "` + serialPath + `"
  baud_rate: 9600

topology:
  path: "` + topologyPath + `"

database:
  enabled: false

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 18080
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func writeTopology(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(testTopology), 0o600); err != nil {
		t.Fatalf("failed to write topology: %v", err)
	}
	return path
}

func runWithConfig(t *testing.T, configPath string) error {
	t.Helper()
	t.Setenv("DORFBUS_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return run(ctx)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	err := runWithConfig(t, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingTopology verifies run stops before touching the bus when the
// topology cannot be loaded.
func TestRun_MissingTopology(t *testing.T) {
	configPath := writeConfig(t, "/nonexistent/topology.yaml", "/dev/null")
	err := runWithConfig(t, configPath)
	if err == nil {
		t.Fatal("run() should fail with missing topology")
	}
	if !strings.Contains(err.Error(), "loading topology") {
		t.Errorf("error = %v, want loading topology failure", err)
	}
}

// TestRun_InvalidTopology verifies a coil naming an unknown device is fatal.
func TestRun_InvalidTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	bad := "devices: {}\ncoils:\n  lamp:\n    device: missing\n    address: 0\n"
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	err := runWithConfig(t, writeConfig(t, path, "/dev/null"))
	if err == nil {
		t.Fatal("run() should fail with a dangling device reference")
	}
	if !strings.Contains(err.Error(), "loading topology") {
		t.Errorf("error = %v, want loading topology failure", err)
	}
}

// TestRun_SerialPortMissing verifies run fails when the serial port cannot
// be opened.
func TestRun_SerialPortMissing(t *testing.T) {
	configPath := writeConfig(t, writeTopology(t), "/nonexistent/ttyUSB9")
	err := runWithConfig(t, configPath)
	if err == nil {
		t.Fatal("run() should fail when the serial port is missing")
	}
	if !strings.Contains(err.Error(), "opening bus") {
		t.Errorf("error = %v, want opening bus failure", err)
	}
}

// TestGetConfigPath verifies environment override and default.
func TestGetConfigPath(t *testing.T) {
	t.Setenv("DORFBUS_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("DORFBUS_CONFIG", "/etc/dorfbus/config.yaml")
	if got := getConfigPath(); got != "/etc/dorfbus/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
}

func TestSerialOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Path = "/dev/ttyAMA0"
	cfg.Serial.BaudRate = 19200
	cfg.Serial.Parity = "E"
	cfg.Serial.RS485 = config.RS485Config{
		Enabled:              true,
		DelayRTSBeforeSendMS: 2,
		DelayRTSAfterSendMS:  3,
		RTSHighDuringSend:    true,
	}
	cfg.Bus.ExchangeTimeoutMS = 750

	opts := serialOptions(cfg, logging.Discard())
	if opts.Path != "/dev/ttyAMA0" || opts.BaudRate != 19200 || opts.Parity != "E" {
		t.Errorf("line settings = %+v", opts)
	}
	if opts.Timeout != 750*time.Millisecond {
		t.Errorf("Timeout = %v, want 750ms", opts.Timeout)
	}
	if !opts.RS485.Enabled || opts.RS485.DelayRTSBeforeSend != 2*time.Millisecond ||
		opts.RS485.DelayRTSAfterSend != 3*time.Millisecond || !opts.RS485.RTSHighDuringSend {
		t.Errorf("RS485 = %+v", opts.RS485)
	}
}

// TestHealthCheck_NoOptionalComponents verifies disabled components are skipped.
func TestHealthCheck_NoOptionalComponents(t *testing.T) {
	if err := healthCheck(context.Background(), nil, nil, nil); err != nil {
		t.Errorf("healthCheck() = %v, want nil", err)
	}
}

func TestBootResync_AppliesDefaults(t *testing.T) {
	topo, err := topology.Parse([]byte(testTopology))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	store := livestate.Build(topo)
	fake := bustest.NewFakeConn(map[uint8]uint16{4: 0x0102})
	coord := bus.NewCoordinator(fake, bus.Options{Timeout: 50 * time.Millisecond})
	defer coord.Close()

	exec, err := executor.New(executor.Options{Store: store, Bus: coord})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	cfg := config.Default()
	cfg.Resync.OnStartup = true
	cfg.Resync.ApplyDefaults = true
	cfg.Resync.Interval = 0

	bootResync(context.Background(), cfg, exec, logging.Discard())

	d, _ := exec.GetDevice("hall")
	if !d.Seen {
		t.Error("hall should be seen after boot resync")
	}
	light, _ := exec.GetCoil("hall-light")
	if light.Status != livestate.On {
		t.Errorf("hall-light = %s, want on", light.Status)
	}
	bell, _ := exec.GetCoil("hall-bell")
	if bell.Status != livestate.Unknown {
		t.Errorf("hall-bell = %s, want unknown", bell.Status)
	}
}
