package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/bus/bustest"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/history"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/database"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/livestate"
	"github.com/nerrad567/dorfbus/internal/topology"
	"github.com/nerrad567/dorfbus/migrations"
)

const testTopology = `
devices:
  kitchen:
    modbus-address: 1
    description: kitchen relay card
  garden:
    modbus-address: 2
coils:
  kitchen-light:
    device: kitchen
    address: 0
    default-status: on
    tags: [lights]
  kitchen-fan:
    device: kitchen
    address: 1
    tags: [lights]
  garden-pump:
    device: garden
    address: 3
    default-status: off
    tags: [lights]
`

// busTimeout keeps timeout paths fast.
const busTimeout = 50 * time.Millisecond

type testEnv struct {
	srv     *Server
	handler http.Handler
	fake    *bustest.FakeConn
	exec    *executor.Executor
	coord   *bus.Coordinator
}

// testServer creates a Server backed by a real executor and coordinator over a
// fake serial connection.
func testServer(t *testing.T, versions map[uint8]uint16, deps ...func(*Deps)) *testEnv {
	t.Helper()

	topo, err := topology.Parse([]byte(testTopology))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	store := livestate.Build(topo)
	fake := bustest.NewFakeConn(versions)
	coord := bus.NewCoordinator(fake, bus.Options{Timeout: busTimeout})
	t.Cleanup(func() { _ = coord.Close() })

	exec, err := executor.New(executor.Options{Store: store, Bus: coord})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	d := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			ProbeTimeoutMS: 500,
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:    logging.Discard(),
		Executor:  exec,
		BusStats:  coord.Stats,
		GatewayID: "test-gw",
		Version:   "test",
	}
	for _, fn := range deps {
		fn(&d)
	}

	srv, err := New(d)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, handler: srv.Handler(), fake: fake, exec: exec, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	e := decode[Error](t, w)
	if e.Code != code {
		t.Errorf("code = %q, want %q", e.Code, code)
	}
	if e.Status != status {
		t.Errorf("body status = %d, want %d", e.Status, status)
	}
}

// failWritesTo fails coil writes to one unit and answers everything else.
func failWritesTo(unit uint8, versions map[uint8]uint16) bustest.Responder {
	return func(ctx context.Context, c bustest.Call) ([]uint16, error) {
		switch {
		case c.Kind == bustest.WriteSingleCoil && c.Unit == unit:
			return nil, errors.New("modbus: exception '4' (server device failure)")
		case c.Kind == bustest.ReadHoldingRegisters:
			if v, ok := versions[c.Unit]; ok {
				return []uint16{v}, nil
			}
			return bustest.Silent(ctx)
		default:
			return nil, nil
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New without executor should fail")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["gateway_id"] != "test-gw" {
		t.Errorf("gateway_id = %v", body["gateway_id"])
	}
	if _, ok := body["bus"]; !ok {
		t.Error("health should include bus stats")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t, nil, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/coil/kitchen-light", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/coil/kitchen-light", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestConfig(t *testing.T) {
	env := testServer(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"kitchen-light"`) {
		t.Errorf("config body missing coil: %s", w.Body.String())
	}
	if len(env.fake.Calls()) != 0 {
		t.Error("reading config must not touch the bus")
	}
}

func TestState_InitiallyUnknown(t *testing.T) {
	env := testServer(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	snap := decode[livestate.Snapshot](t, w)
	if len(snap.Coils) != 3 {
		t.Fatalf("coils = %d, want 3", len(snap.Coils))
	}
	for name, c := range snap.Coils {
		if c.Status != livestate.Unknown {
			t.Errorf("coil %s status = %s, want unknown", name, c.Status)
		}
	}
	if got := snap.Tags["lights"]; len(got) != 3 {
		t.Errorf("tag lights = %v, want 3 coils", got)
	}
}

func TestGetCoil(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/coil/garden-pump", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	raw := decode[map[string]any](t, w)
	for _, key := range []string{"name", "device", "device-id", "coil-id", "status"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("coil JSON missing %q: %v", key, raw)
		}
	}
	if raw["device-id"] != float64(2) || raw["coil-id"] != float64(3) {
		t.Errorf("addresses = %v/%v, want 2/3", raw["device-id"], raw["coil-id"])
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/coil/nope", ""), http.StatusNotFound, ErrCodeNotFound)
}

func TestSetCoil(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", "true")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	c := decode[livestate.CoilSnapshot](t, w)
	if c.Status != livestate.On {
		t.Errorf("status = %s, want on", c.Status)
	}

	writes := env.fake.CallsOf(bustest.WriteSingleCoil)
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Unit != 1 || writes[0].Addr != 1 || writes[0].Value != 0xFF00 {
		t.Errorf("write = %+v, want unit 1 coil 1 on", writes[0])
	}

	w = env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", "false")
	if got := decode[livestate.CoilSnapshot](t, w).Status; got != livestate.Off {
		t.Errorf("status = %s, want off", got)
	}
}

func TestSetCoil_BadBody(t *testing.T) {
	env := testServer(t, nil)

	for _, body := range []string{`"on"`, `null`, `1`, `true true`, `{}`} {
		t.Run(body, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", body)
			expectError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
		})
	}
	if n := len(env.fake.CallsOf(bustest.WriteSingleCoil)); n != 0 {
		t.Errorf("bad bodies produced %d writes", n)
	}
}

func TestSetCoil_TimeoutLeavesUnknown(t *testing.T) {
	env := testServer(t, nil)

	if w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", "true"); w.Code != http.StatusOK {
		t.Fatalf("priming write status = %d", w.Code)
	}

	env.fake.Respond = func(ctx context.Context, _ bustest.Call) ([]uint16, error) {
		return bustest.Silent(ctx)
	}

	w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", "false")
	expectError(t, w, http.StatusGatewayTimeout, ErrCodeTimeout)

	c, err := env.exec.GetCoil("kitchen-fan")
	if err != nil {
		t.Fatalf("GetCoil: %v", err)
	}
	if c.Status != livestate.Unknown {
		t.Errorf("status after timeout = %s, want unknown", c.Status)
	}
}

func TestSetCoil_BusErrorIsBadGateway(t *testing.T) {
	env := testServer(t, nil)
	env.fake.Respond = failWritesTo(1, nil)

	w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-light", "true")
	expectError(t, w, http.StatusBadGateway, ErrCodeBusError)
}

func TestSetCoil_ClientGoneStillCompletes(t *testing.T) {
	env := testServer(t, nil)
	env.fake.Delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/coil/garden-pump", strings.NewReader("true")).WithContext(ctx)
	time.AfterFunc(5*time.Millisecond, cancel)
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c, _ := env.exec.GetCoil("garden-pump")
		if c.Status == livestate.On {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("write abandoned by its client did not complete")
}

func TestTag(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/tag/lights", "true")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	coils := decode[[]CoilResponse](t, w)
	if len(coils) != 3 {
		t.Fatalf("coils = %d, want 3", len(coils))
	}
	for _, c := range coils {
		if c.Status != livestate.On || c.Error != "" {
			t.Errorf("coil %s = %s (%s), want on", c.Name, c.Status, c.Error)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/tag/lights", "")
	got := decode[[]livestate.CoilSnapshot](t, w)
	if len(got) != 3 {
		t.Errorf("GET tag returned %d coils", len(got))
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/tag/none", ""), http.StatusNotFound, ErrCodeNotFound)
}

func TestSetTag_PartialFailure(t *testing.T) {
	env := testServer(t, nil)
	env.fake.Respond = failWritesTo(2, nil)

	w := env.do(t, http.MethodPost, "/api/v1/tag/lights", "true")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body %s)", w.Code, w.Body.String())
	}
	body := decode[TagFailure](t, w)
	if body.Code != ErrCodePartialFailure {
		t.Errorf("code = %q", body.Code)
	}
	if len(body.Failed) != 1 || body.Failed[0] != "garden-pump" {
		t.Errorf("failed = %v, want [garden-pump]", body.Failed)
	}
	status := map[string]livestate.CoilValue{}
	for _, c := range body.Coils {
		status[c.Name] = c.Status
	}
	want := map[string]livestate.CoilValue{
		"garden-pump":   livestate.Unknown,
		"kitchen-fan":   livestate.On,
		"kitchen-light": livestate.On,
	}
	for name, v := range want {
		if status[name] != v {
			t.Errorf("%s = %s, want %s", name, status[name], v)
		}
	}
}

func TestReadHardwareVersion(t *testing.T) {
	env := testServer(t, map[uint8]uint16{1: 0x0203, 77: 9})

	w := env.do(t, http.MethodGet, "/api/v1/device-hardware-version/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["hardware-version"] != float64(0x0203) {
		t.Errorf("hardware-version = %v", body["hardware-version"])
	}

	d, err := env.exec.GetDevice("kitchen")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if !d.Seen || d.Version == nil || *d.Version != 0x0203 {
		t.Errorf("device after probe = %+v", d)
	}

	// Unconfigured addresses may be probed.
	if w := env.do(t, http.MethodGet, "/api/v1/device-hardware-version/77", ""); w.Code != http.StatusOK {
		t.Errorf("unconfigured probe status = %d", w.Code)
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/device-hardware-version/9", ""),
		http.StatusGatewayTimeout, ErrCodeTimeout)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/device-hardware-version/256", ""),
		http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/device-hardware-version/x", ""),
		http.StatusBadRequest, ErrCodeBadRequest)
}

func TestGetDevice(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/devices/kitchen", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	d := decode[livestate.DeviceSnapshot](t, w)
	if d.Address != 1 || d.Seen || d.Version != nil {
		t.Errorf("device = %+v", d)
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/devices/attic", ""), http.StatusNotFound, ErrCodeNotFound)
}

func TestAssignAddress(t *testing.T) {
	env := testServer(t, map[uint8]uint16{5: 0x0101})

	w := env.do(t, http.MethodPost, "/api/v1/devices/address", `{"old_address": 9, "new_address": 5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	body := decode[map[string]any](t, w)
	if body["hardware-version"] != float64(0x0101) {
		t.Errorf("hardware-version = %v", body["hardware-version"])
	}
	if n := len(env.fake.CallsOf(bustest.WriteSingleRegister)); n != 1 {
		t.Errorf("address writes = %d, want 1", n)
	}
}

func TestAssignAddress_Rejected(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"broadcast old", `{"old_address": 0, "new_address": 5}`, http.StatusBadRequest, ErrCodeAddressInvalid},
		{"reserved old", `{"old_address": 248, "new_address": 5}`, http.StatusBadRequest, ErrCodeAddressInvalid},
		{"broadcast new", `{"old_address": 5, "new_address": 0}`, http.StatusBadRequest, ErrCodeAddressInvalid},
		{"same", `{"old_address": 5, "new_address": 5}`, http.StatusBadRequest, ErrCodeAddressInvalid},
		{"missing", `{"old_address": 5}`, http.StatusBadRequest, ErrCodeValidation},
		{"out of range", `{"old_address": 5, "new_address": 300}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad json", `{`, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/devices/address", tt.body)
			expectError(t, w, tt.status, tt.code)
		})
	}
	if n := len(env.fake.Calls()); n != 0 {
		t.Errorf("rejected requests produced %d bus calls", n)
	}
}

func TestResync(t *testing.T) {
	env := testServer(t, map[uint8]uint16{1: 0x0100})

	if w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-fan", "true"); w.Code != http.StatusOK {
		t.Fatalf("priming write status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/resync?defaults=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	body := decode[struct {
		Devices  map[string]livestate.DeviceSnapshot `json:"devices"`
		Defaults []CoilResponse                      `json:"defaults"`
	}](t, w)

	if !body.Devices["kitchen"].Seen {
		t.Error("kitchen should be seen after resync")
	}
	if body.Devices["garden"].Seen {
		t.Error("garden never answers and should be unseen")
	}

	outcomes := map[string]CoilResponse{}
	for _, c := range body.Defaults {
		outcomes[c.Name] = c
	}
	if got := outcomes["kitchen-light"]; got.Status != livestate.On || got.Error != "" {
		t.Errorf("kitchen-light default = %+v, want on", got)
	}
	if got := outcomes["garden-pump"]; got.Error == "" {
		t.Error("garden-pump default should report its unseen device")
	}

	// Resync forgets written state; kitchen-fan has no default.
	c, _ := env.exec.GetCoil("kitchen-fan")
	if c.Status != livestate.Unknown {
		t.Errorf("kitchen-fan after resync = %s, want unknown", c.Status)
	}
}

func TestCoilHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := testServer(t, nil)
		expectError(t, env.do(t, http.MethodGet, "/api/v1/coil/kitchen-fan/history", ""),
			http.StatusServiceUnavailable, ErrCodeUnavailable)
	})

	t.Run("enabled", func(t *testing.T) {
		db, err := database.Open(database.Config{Path: database.MemoryPath})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		if err := db.Migrate(context.Background(), migrations.FS); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		repo := history.NewRepository(db.DB)

		env := testServer(t, nil, func(d *Deps) {
			d.History = repo
			d.DB = db
		})

		for i, status := range []livestate.CoilValue{livestate.On, livestate.Off, livestate.On} {
			err := repo.RecordCoil(context.Background(), history.CoilEntry{
				Coil:      "kitchen-fan",
				Device:    "kitchen",
				Status:    status,
				Previous:  livestate.Unknown,
				Source:    executor.SourceAPI,
				CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("RecordCoil: %v", err)
			}
		}

		w := env.do(t, http.MethodGet, "/api/v1/coil/kitchen-fan/history?limit=2", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
		}
		body := decode[struct {
			Entries []history.CoilEntry `json:"entries"`
			Count   int                 `json:"count"`
		}](t, w)
		if body.Count != 2 || len(body.Entries) != 2 {
			t.Fatalf("count = %d, want 2", body.Count)
		}
		if body.Entries[0].Status != livestate.On {
			t.Errorf("newest entry = %s, want on", body.Entries[0].Status)
		}

		expectError(t, env.do(t, http.MethodGet, "/api/v1/coil/kitchen-fan/history?limit=0", ""),
			http.StatusBadRequest, ErrCodeBadRequest)
		expectError(t, env.do(t, http.MethodGet, "/api/v1/coil/nope/history", ""),
			http.StatusNotFound, ErrCodeNotFound)

		m := decode[SystemMetrics](t, env.do(t, http.MethodGet, "/api/v1/metrics", ""))
		if m.Database == nil {
			t.Error("metrics should report the database when one is configured")
		}
	})
}

func TestMetrics(t *testing.T) {
	env := testServer(t, map[uint8]uint16{1: 1})
	if w := env.do(t, http.MethodPost, "/api/v1/coil/kitchen-light", "true"); w.Code != http.StatusOK {
		t.Fatalf("write status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/device-hardware-version/1", ""); w.Code != http.StatusOK {
		t.Fatalf("probe status = %d", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Bus == nil || m.Bus.Exchanges != 2 {
		t.Errorf("bus = %+v, want 2 exchanges", m.Bus)
	}
	if m.Devices.Total != 2 || m.Devices.Seen != 1 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.Coils.Total != 3 || m.Coils.ByStatus[livestate.On] != 1 || m.Coils.ByStatus[livestate.Unknown] != 2 {
		t.Errorf("coils = %+v", m.Coils)
	}
	if m.MQTT.Connected {
		t.Error("mqtt should report disconnected when absent")
	}
	if m.Database != nil {
		t.Error("database metrics should be omitted without a database")
	}
}

func TestOpenAPI(t *testing.T) {
	env := testServer(t, nil)
	w := env.do(t, http.MethodGet, "/api/openapi.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	doc := decode[map[string]any](t, w)
	if doc["openapi"] != "3.0.3" {
		t.Errorf("openapi = %v", doc["openapi"])
	}
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		t.Fatalf("paths missing")
	}
	for _, p := range []string{"/coil/{name}", "/tag/{name}", "/devices/address", "/device-hardware-version/{address}"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi missing path %s", p)
		}
	}
}

func TestSwaggerUI(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/swagger-ui/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), `url: "/api/openapi.json"`) {
		t.Error("page does not point at /api/openapi.json")
	}

	w = env.do(t, http.MethodGet, "/swagger-ui", "")
	if w.Code != http.StatusMovedPermanently || w.Header().Get("Location") != "/swagger-ui/" {
		t.Errorf("redirect = %d %q", w.Code, w.Header().Get("Location"))
	}
}

func TestRenderOpenAPI_NonStringKeys(t *testing.T) {
	out, err := renderOpenAPI([]byte("responses:\n  200:\n    description: ok\n"))
	if err != nil {
		t.Fatalf("renderOpenAPI: %v", err)
	}
	if !strings.Contains(string(out), `"200"`) {
		t.Errorf("rendered = %s", out)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("coil %q: %w", "x", executor.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("%w: reserved", executor.ErrAddressInvalid), http.StatusBadRequest, ErrCodeAddressInvalid},
		{bus.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{bus.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{bus.ErrInvalidResponse, http.StatusBadGateway, ErrCodeBusError},
		{errors.New("boom"), http.StatusBadGateway, ErrCodeBusError},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("errorStatus(%v) = %d/%s, want %d/%s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestWebSocket_CoilEvents(t *testing.T) {
	env := testServer(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelCoilChanged}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp WSMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/coil/kitchen-fan", strings.NewReader("true"))
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	httpResp.Body.Close()

	var ev struct {
		Type      string    `json:"type"`
		EventType string    `json:"event_type"`
		Payload   CoilEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != ChannelCoilChanged {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload.Coil.Name != "kitchen-fan" || ev.Payload.Coil.Status != livestate.On {
		t.Errorf("payload coil = %+v", ev.Payload.Coil)
	}
	if ev.Payload.Previous != livestate.Unknown || ev.Payload.Source != executor.SourceAPI {
		t.Errorf("payload = %+v", ev.Payload)
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	env := testServer(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "7", Payload: WSSubscribePayload{Channels: []string{"scene.activated"}}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp WSMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Type != WSTypeError || resp.ID != "7" {
		t.Errorf("response = %+v, want error", resp)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "8"}); err != nil {
		t.Fatalf("WriteJSON ping: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON pong: %v", err)
	}
	if resp.Type != WSTypePong {
		t.Errorf("response = %+v, want pong", resp)
	}
}

func TestServerLifecycle(t *testing.T) {
	env := testServer(t, nil)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if env.srv.Port() == 0 {
		t.Error("Port should report the bound port")
	}
	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
