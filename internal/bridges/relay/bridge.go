package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/infrastructure/mqtt"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

const (
	commandTimeout   = 10 * time.Second
	publishQueueSize = 512
)

// MQTTClient is the part of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Executor is the part of the executor the bridge drives.
type Executor interface {
	Store() *livestate.Store
	SetCoil(ctx context.Context, name string, on bool) (livestate.CoilSnapshot, error)
	SetTag(ctx context.Context, name string, on bool) ([]executor.CoilOutcome, error)
}

// Logger is the logging surface of the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	MQTT     MQTTClient
	Executor Executor
	Codec    Codec
	QoS      byte
	Logger   Logger
}

type publication struct {
	topic   string
	payload any
}

// Bridge connects the executor to MQTT. It implements executor.Listener.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	exec   Executor
	codec  Codec
	qos    byte
	logger Logger
	topics mqtt.Topics

	queue   chan publication
	dropped atomic.Uint64

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	commands atomic.Uint64
}

// NewBridge creates a bridge. MQTT and Executor are required.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("relay: mqtt client is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("relay: executor is required")
	}
	if opts.Codec == nil {
		opts.Codec = jsonCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:      opts.MQTT,
		exec:      opts.Executor,
		codec:     opts.Codec,
		qos:       opts.QoS,
		logger:    opts.Logger,
		queue:     make(chan publication, publishQueueSize),
		ctx:       ctx,
		ctxCancel: cancel,
	}, nil
}

// Start subscribes to the command topics, starts the publisher and publishes
// the current state of every device and coil.
func (b *Bridge) Start() error {
	if err := b.mqtt.Subscribe(b.topics.AllCoilCommands(), b.qos, b.handleCoilCommand); err != nil {
		return fmt.Errorf("subscribing to coil commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllTagCommands(), b.qos, b.handleTagCommand); err != nil {
		return fmt.Errorf("subscribing to tag commands: %w", err)
	}

	b.wg.Add(1)
	go b.publishLoop()

	b.PublishAll()
	b.logger.Info("relay bridge started", "format", b.codec.Name())
	return nil
}

// Stop cancels in-flight commands and drains the publish queue.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.wg.Wait()
	})
}

// PublishAll queues the retained state of every device and coil. Call it
// after a reconnect so the broker holds current values.
func (b *Bridge) PublishAll() {
	now := time.Now()
	store := b.exec.Store()
	for _, d := range store.Devices() {
		snap := d.Snapshot()
		b.enqueue(b.topics.DeviceState(snap.Name), DeviceStateMessage{
			DeviceSnapshot: snap, WasSeen: snap.Seen, Source: "internal", Timestamp: now,
		})
	}
	for _, c := range store.Coils() {
		snap := c.Snapshot()
		b.enqueue(b.topics.CoilState(snap.Name), CoilStateMessage{
			CoilSnapshot: snap, Previous: snap.Status, Source: "internal", Timestamp: now,
		})
	}
}

// CoilChanged implements executor.Listener.
func (b *Bridge) CoilChanged(c executor.CoilChange) {
	msg := CoilStateMessage{
		CoilSnapshot: c.Coil,
		Previous:     c.Previous,
		Source:       c.Source,
		Timestamp:    c.At,
	}
	if c.Err != nil {
		msg.Error = c.Err.Error()
	}
	b.enqueue(b.topics.CoilState(c.Coil.Name), msg)
}

// DeviceChanged implements executor.Listener.
func (b *Bridge) DeviceChanged(d executor.DeviceChange) {
	msg := DeviceStateMessage{
		DeviceSnapshot: d.Device,
		WasSeen:        d.WasSeen,
		Source:         d.Source,
		Timestamp:      d.At,
	}
	if d.Err != nil {
		msg.Error = d.Err.Error()
	}
	b.enqueue(b.topics.DeviceState(d.Device.Name), msg)
}

func (b *Bridge) enqueue(topic string, payload any) {
	select {
	case b.queue <- publication{topic: topic, payload: payload}:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("mqtt publish queue full, dropping state updates")
		}
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case p := <-b.queue:
			b.publish(p.topic, p.payload, true)
		case <-b.ctx.Done():
			for {
				select {
				case p := <-b.queue:
					b.publish(p.topic, p.payload, true)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(topic string, v any, retained bool) {
	payload, err := b.codec.Marshal(v)
	if err != nil {
		b.logger.Error("encoding mqtt payload", "topic", topic, "error", err)
		return
	}
	if !b.mqtt.IsConnected() {
		b.logger.Debug("mqtt disconnected, skipping publish", "topic", topic)
		return
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// decodeCommand parses a command payload and fills in defaults.
func (b *Bridge) decodeCommand(payload []byte) (CommandMessage, error) {
	var cmd CommandMessage
	if err := b.codec.Unmarshal(payload, &cmd); err != nil {
		return cmd, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Source == "" {
		cmd.Source = executor.SourceMQTT
	}
	return cmd, nil
}

func (b *Bridge) commandContext(cmd CommandMessage) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	return executor.WithSource(ctx, cmd.Source), cancel
}

func (b *Bridge) handleCoilCommand(topic string, payload []byte) error {
	name := mqtt.LastSegment(topic)
	b.commands.Add(1)

	cmd, err := b.decodeCommand(payload)
	if err != nil {
		b.ack(b.topics.CoilAck(name), AckMessage{
			CommandID: uuid.NewString(), Target: name, Kind: "coil", Status: AckFailed,
			Error: &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()},
		})
		return fmt.Errorf("decoding coil command: %w", err)
	}

	b.logger.Info("coil command", "command_id", cmd.ID, "coil", name, "on", cmd.On, "source", cmd.Source)

	ctx, cancel := b.commandContext(cmd)
	defer cancel()

	snap, err := b.exec.SetCoil(ctx, name, cmd.On)
	ack := AckMessage{CommandID: cmd.ID, Target: name, Kind: "coil", Status: AckAccepted}
	if err == nil || !errors.Is(err, executor.ErrNotFound) {
		ack.Coils = []livestate.CoilSnapshot{snap}
	}
	if err != nil {
		ack.Status, ack.Error = classifyError(err)
	}
	b.ack(b.topics.CoilAck(name), ack)
	return nil
}

func (b *Bridge) handleTagCommand(topic string, payload []byte) error {
	name := mqtt.LastSegment(topic)
	b.commands.Add(1)

	cmd, err := b.decodeCommand(payload)
	if err != nil {
		b.ack(b.topics.TagAck(name), AckMessage{
			CommandID: uuid.NewString(), Target: name, Kind: "tag", Status: AckFailed,
			Error: &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()},
		})
		return fmt.Errorf("decoding tag command: %w", err)
	}

	b.logger.Info("tag command", "command_id", cmd.ID, "tag", name, "on", cmd.On, "source", cmd.Source)

	ctx, cancel := b.commandContext(cmd)
	defer cancel()

	outcomes, err := b.exec.SetTag(ctx, name, cmd.On)
	ack := AckMessage{CommandID: cmd.ID, Target: name, Kind: "tag", Status: AckAccepted}
	for _, o := range outcomes {
		ack.Coils = append(ack.Coils, o.Coil)
	}
	if err != nil {
		ack.Status, ack.Error = classifyError(err)
		for _, o := range outcomes {
			if o.Err == nil {
				continue
			}
			ack.Error.Failed = append(ack.Error.Failed, o.Coil.Name)
			if bus.IsTimeout(o.Err) {
				ack.Status, ack.Error.Code = AckTimeout, ErrCodeTimeout
			}
		}
	}
	b.ack(b.topics.TagAck(name), ack)
	return nil
}

func (b *Bridge) ack(topic string, msg AckMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	b.publish(topic, msg, false)
}

// classifyError maps an executor error onto an ack status and error body.
func classifyError(err error) (AckStatus, *AckError) {
	ackErr := &AckError{Message: err.Error()}
	switch {
	case errors.Is(err, executor.ErrNotFound):
		ackErr.Code = ErrCodeNotConfigured
	case bus.IsTimeout(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		ackErr.Code = ErrCodeTimeout
		return AckTimeout, ackErr
	case errors.Is(err, executor.ErrDeviceUnseen):
		ackErr.Code = ErrCodeDeviceUnseen
	default:
		ackErr.Code = ErrCodeProtocolError
	}
	return AckFailed, ackErr
}

// BridgeMetrics is a snapshot of bridge counters.
type BridgeMetrics struct {
	Commands       uint64 `json:"commands"`
	DroppedUpdates uint64 `json:"dropped_updates"`
	QueueDepth     int    `json:"queue_depth"`
}

// Metrics returns current bridge counters.
func (b *Bridge) Metrics() BridgeMetrics {
	return BridgeMetrics{
		Commands:       b.commands.Load(),
		DroppedUpdates: b.dropped.Load(),
		QueueDepth:     len(b.queue),
	}
}
