// dorfbusd - Modbus-RTU relay gateway
//
// This is the main entry point of the gateway daemon. It owns the serial line
// to a set of relay cards and exposes their coils by name over:
//   - an HTTP/WebSocket API
//   - MQTT command, state and health topics (optional)
//
// Every exchange on the bus runs one at a time through a single coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/dorfbus/internal/api"
	"github.com/nerrad567/dorfbus/internal/bridges/relay"
	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/history"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/database"
	"github.com/nerrad567/dorfbus/internal/infrastructure/discovery"
	"github.com/nerrad567/dorfbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/infrastructure/mqtt"
	"github.com/nerrad567/dorfbus/internal/livestate"
	"github.com/nerrad567/dorfbus/internal/topology"
	"github.com/nerrad567/dorfbus/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyQueueSize bounds history rows waiting for the database.
const historyQueueSize = 1024

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting dorfbusd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, "dorfbusd", version).With("gateway_id", cfg.Gateway.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	topo, err := topology.Load(cfg.Topology.Path)
	if err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}
	store := livestate.Build(topo)
	log.Info("topology loaded",
		"path", cfg.Topology.Path,
		"devices", len(topo.Devices()),
		"coils", len(topo.Coils()),
		"tags", len(topo.Tags()),
	)

	conn, err := bus.OpenRTU(serialOptions(cfg, log))
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}
	coord := bus.NewCoordinator(conn, bus.Options{
		Timeout: cfg.GetExchangeTimeout(),
		Logger:  log,
	})
	defer func() {
		log.Info("closing bus")
		if closeErr := coord.Close(); closeErr != nil {
			log.Error("error closing bus", "error", closeErr)
		}
	}()
	log.Info("bus opened",
		"port", cfg.Serial.Path,
		"baud_rate", cfg.Serial.BaudRate,
		"exchange_timeout", cfg.GetExchangeTimeout(),
	)

	if cfg.Bus.TraceFile != "" {
		trace, traceErr := bus.OpenTraceFile(cfg.Bus.TraceFile, log)
		if traceErr != nil {
			return fmt.Errorf("opening bus trace: %w", traceErr)
		}
		defer func() {
			if closeErr := trace.Close(); closeErr != nil {
				log.Error("error closing bus trace", "error", closeErr)
			}
		}()
		coord.Observe(trace.Observe)
		log.Info("bus trace enabled", "path", cfg.Bus.TraceFile)
	}

	exec, err := executor.New(executor.Options{
		Store:              store,
		Bus:                coord,
		Logger:             log,
		DefaultsOnRecovery: cfg.Resync.ApplyDefaults,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	// History (optional)
	var db *database.DB
	var historyRepo *history.Repository
	if cfg.Database.Enabled {
		db, historyRepo, err = openHistory(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		recorder := history.NewRecorder(historyRepo, log, historyQueueSize)
		defer recorder.Close()
		exec.AddListener(recorder)

		if cfg.Database.HistoryRetentionDays > 0 {
			retention := time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour
			go historyRepo.RunPruner(ctx, retention, log)
		}
	} else {
		log.Info("history disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	var bridge *relay.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		var health *relay.HealthReporter
		bridge, health, err = startRelayBridge(ctx, cfg, exec, coord, mqttClient, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping relay bridge")
			health.Stop()
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		exec.AddListener(influxClient)
		coord.Observe(influxClient.ObserveExchange)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// API server
	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Executor:  exec,
		BusStats:  coord.Stats,
		History:   historyRepo,
		DB:        db,
		MQTT:      mqttClient,
		GatewayID: cfg.Gateway.ID,
		Version:   version,
	}
	if bridge != nil {
		deps.BridgeMetrics = bridge.Metrics
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// mDNS (optional)
	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(cfg.Discovery.Interface)
		advErr := adv.Advertise(discovery.ServiceInfo{
			Instance:  cfg.Discovery.Instance,
			Port:      server.Port(),
			GatewayID: cfg.Gateway.ID,
			Version:   version,
			Devices:   len(topo.Devices()),
		})
		if advErr != nil {
			log.Warn("mDNS advertisement failed", "error", advErr)
		} else {
			defer adv.Stop()
			log.Info("mDNS advertisement started", "service", discovery.ServiceType, "instance", cfg.Discovery.Instance)
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	go bootResync(ctx, cfg, exec, log)

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred closes run in reverse order: mDNS, API, InfluxDB, relay
	// bridge, MQTT, history, trace, bus.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DORFBUS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DORFBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// serialOptions converts the serial section of the configuration.
func serialOptions(cfg *config.Config, log *logging.Logger) bus.SerialOptions {
	rs := cfg.Serial.RS485
	return bus.SerialOptions{
		Path:     cfg.Serial.Path,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		Parity:   cfg.Serial.Parity,
		StopBits: cfg.Serial.StopBits,
		Timeout:  cfg.GetExchangeTimeout(),
		RS485: bus.RS485Options{
			Enabled:            rs.Enabled,
			DelayRTSBeforeSend: time.Duration(rs.DelayRTSBeforeSendMS) * time.Millisecond,
			DelayRTSAfterSend:  time.Duration(rs.DelayRTSAfterSendMS) * time.Millisecond,
			RTSHighDuringSend:  rs.RTSHighDuringSend,
			RTSHighAfterSend:   rs.RTSHighAfterSend,
			RxDuringTx:         rs.RxDuringTx,
		},
		Logger: log,
	}
}

// openHistory opens the database, applies migrations and returns the history
// repository on top of it.
func openHistory(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, *history.Repository, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	return db, history.NewRepository(db.DB), nil
}

// startRelayBridge wires the executor to MQTT and starts health reporting.
func startRelayBridge(ctx context.Context, cfg *config.Config, exec *executor.Executor, coord *bus.Coordinator, client *mqtt.Client, log *logging.Logger) (*relay.Bridge, *relay.HealthReporter, error) {
	codec, err := relay.NewCodec(cfg.MQTT.PayloadFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("creating payload codec: %w", err)
	}

	bridge, err := relay.NewBridge(relay.BridgeOptions{
		MQTT:     client,
		Executor: exec,
		Codec:    codec,
		QoS:      client.QoS(),
		Logger:   log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating relay bridge: %w", err)
	}
	exec.AddListener(bridge)

	if err := bridge.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting relay bridge: %w", err)
	}

	// Retained state must be republished after the broker drops our session.
	client.SetOnConnect(func() {
		log.Info("MQTT connected, republishing state")
		bridge.PublishAll()
	})

	health := relay.NewHealthReporter(relay.HealthReporterConfig{
		GatewayID: cfg.Gateway.ID,
		Version:   version,
		Interval:  time.Duration(cfg.MQTT.HealthInterval) * time.Second,
		Publisher: client,
		Codec:     codec,
		QoS:       client.QoS(),
		Store:     exec.Store(),
		BusStats:  coord.Stats,
		Logger:    log,
	})
	health.Start(ctx)

	log.Info("relay bridge started", "payload_format", codec.Name())
	return bridge, health, nil
}

// bootResync probes every device once at startup, applies coil defaults, and
// then keeps sweeping at the configured interval.
func bootResync(ctx context.Context, cfg *config.Config, exec *executor.Executor, log *logging.Logger) {
	ctx = executor.WithSource(ctx, executor.SourceResync)

	if cfg.Resync.OnStartup {
		if err := exec.ResyncAll(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error("boot resync failed", "error", err)
			}
			return
		}
		if cfg.Resync.ApplyDefaults {
			if _, err := exec.ApplyDefaults(ctx); err != nil && ctx.Err() == nil {
				log.Error("applying coil defaults failed", "error", err)
			}
		}
	}

	if interval := cfg.GetResyncInterval(); interval > 0 {
		log.Info("periodic resync enabled", "interval", interval)
		exec.RunPeriodicSweep(ctx, interval)
	}
}

// healthCheck verifies the optional infrastructure connections. Nil
// components are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
