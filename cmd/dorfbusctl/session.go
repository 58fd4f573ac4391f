package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/discovery"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/livestate"
	"github.com/nerrad567/dorfbus/internal/topology"
)

const commandHelp = `Commands:
  read-version <addr>      Read the hardware version of the unit at addr
  set-address <old> <new>  Move a unit to a new address and confirm it answers
  scan [from] [to]         Probe an address range (default 1-247)
  trace <file>             Print a bus trace written by dorfbusd
  discover                 List gateways announced on the local network
  console                  Interactive shell offering the commands above
`

// scanParallelism bounds probes queued at the coordinator during a scan.
const scanParallelism = 4

// errUsage marks argument errors.
var errUsage = errors.New("usage")

// session holds the lazily opened bus shared by all commands of one run.
type session struct {
	cfg  *config.Config
	opts options
	out  io.Writer
	log  *logging.Logger

	// connect opens the serial line. Tests replace it.
	connect func() (bus.Conn, error)

	once    sync.Once
	openErr error
	coord   *bus.Coordinator
	exec    *executor.Executor
}

func newSession(cfg *config.Config, opts options, out io.Writer, log *logging.Logger) *session {
	s := &session{cfg: cfg, opts: opts, out: out, log: log}
	s.connect = func() (bus.Conn, error) {
		return bus.OpenRTU(bus.SerialOptions{
			Path:     cfg.Serial.Path,
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			Parity:   cfg.Serial.Parity,
			StopBits: cfg.Serial.StopBits,
			Timeout:  cfg.GetExchangeTimeout(),
			RS485: bus.RS485Options{
				Enabled:            cfg.Serial.RS485.Enabled,
				DelayRTSBeforeSend: time.Duration(cfg.Serial.RS485.DelayRTSBeforeSendMS) * time.Millisecond,
				DelayRTSAfterSend:  time.Duration(cfg.Serial.RS485.DelayRTSAfterSendMS) * time.Millisecond,
				RTSHighDuringSend:  cfg.Serial.RS485.RTSHighDuringSend,
				RTSHighAfterSend:   cfg.Serial.RS485.RTSHighAfterSend,
				RxDuringTx:         cfg.Serial.RS485.RxDuringTx,
			},
			Logger: log,
		})
	}
	return s
}

// executor opens the bus on first use.
func (s *session) executor() (*executor.Executor, error) {
	s.once.Do(func() {
		topo, err := s.topology()
		if err != nil {
			s.openErr = err
			return
		}

		conn, err := s.connect()
		if err != nil {
			s.openErr = fmt.Errorf("opening bus: %w", err)
			return
		}
		s.coord = bus.NewCoordinator(conn, bus.Options{
			Timeout: s.cfg.GetExchangeTimeout(),
			Logger:  s.log,
		})
		s.exec, s.openErr = executor.New(executor.Options{
			Store:  livestate.Build(topo),
			Bus:    s.coord,
			Logger: s.log,
		})
	})
	return s.exec, s.openErr
}

// topology loads the configured topology so probes can be matched to device
// names. Without one, an empty topology is used.
func (s *session) topology() (*topology.Topology, error) {
	if s.cfg.Topology.Path == "" {
		return topology.Parse(nil)
	}
	topo, err := topology.Load(s.cfg.Topology.Path)
	if err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	return topo, nil
}

// Close releases the bus if it was opened.
func (s *session) Close() error {
	if s.coord == nil {
		return nil
	}
	return s.coord.Close()
}

// Exec runs one command.
func (s *session) Exec(ctx context.Context, cmd string, args []string) error {
	ctx = executor.WithSource(ctx, executor.SourceCLI)

	var err error
	switch cmd {
	case "read-version":
		err = s.readVersion(ctx, args)
	case "set-address":
		err = s.setAddress(ctx, args)
	case "scan":
		err = s.scan(ctx, args)
	case "trace":
		err = s.trace(args)
	case "discover":
		err = s.discover(ctx)
	case "help":
		fmt.Fprint(s.out, commandHelp)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, errUsage) {
		return fmt.Errorf("%w\n%s", err, commandHelp)
	}
	return err
}

func (s *session) readVersion(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: read-version <addr>", errUsage)
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	exec, err := s.executor()
	if err != nil {
		return err
	}

	v, err := exec.ProbeDeviceIdentity(ctx, addr)
	if err != nil {
		return fmt.Errorf("device %d: %w", addr, err)
	}
	fmt.Fprintf(s.out, "device %d: hardware version %d (0x%04x)%s\n", addr, v, v, s.deviceLabel(addr))
	return nil
}

func (s *session) setAddress(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: set-address <old> <new>", errUsage)
	}
	oldAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	newAddr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	exec, err := s.executor()
	if err != nil {
		return err
	}

	v, err := exec.AssignDeviceAddress(ctx, oldAddr, newAddr)
	if err != nil {
		return fmt.Errorf("moving device %d to %d: %w", oldAddr, newAddr, err)
	}
	fmt.Fprintf(s.out, "device moved from %d to %d, hardware version %d\n", oldAddr, newAddr, v)
	return nil
}

type scanResult struct {
	addr    uint8
	version uint16
	found   bool
}

func (s *session) scan(ctx context.Context, args []string) error {
	from, to := uint8(1), bus.FirstReservedAddress-1
	var err error
	switch len(args) {
	case 0:
	case 2:
		if to, err = parseAddr(args[1]); err != nil {
			return err
		}
		fallthrough
	case 1:
		if from, err = parseAddr(args[0]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: scan [from] [to]", errUsage)
	}
	if from == bus.BroadcastAddress {
		from = 1
	}
	if len(args) == 1 {
		to = from
	}
	if to >= bus.FirstReservedAddress {
		return fmt.Errorf("%w: addresses from %d are reserved", errUsage, bus.FirstReservedAddress)
	}
	if to < from {
		return fmt.Errorf("%w: scan range %d-%d is empty", errUsage, from, to)
	}

	exec, err := s.executor()
	if err != nil {
		return err
	}

	results := make([]scanResult, int(to)-int(from)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for i := range results {
		addr := from + uint8(i)
		g.Go(func() error {
			v, err := exec.ProbeDeviceIdentity(gctx, addr)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i] = scanResult{addr: addr}
				return nil
			}
			results[i] = scanResult{addr: addr, version: v, found: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tVERSION\tDEVICE")
	found := 0
	for _, r := range results {
		if !r.found {
			continue
		}
		found++
		name := "-"
		if d, ok := s.device(r.addr); ok {
			name = d
		}
		fmt.Fprintf(tw, "%d\t0x%04x\t%s\n", r.addr, r.version, name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d of %d addresses answered\n", found, len(results))
	return nil
}

func (s *session) trace(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: trace <file>", errUsage)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tOP\tTARGET\tRESULT")
	var n, failed int
	err = bus.ReadTrace(f, func(rec bus.TraceRecord) error {
		n++
		result := "ok"
		switch {
		case rec.Timeout:
			result = "timeout"
			failed++
		case rec.Error != "":
			result = "error: " + rec.Error
			failed++
		case rec.Op == "read_hardware_version":
			result = fmt.Sprintf("version 0x%04x", rec.Version)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rec.Started.Format("2006-01-02 15:04:05.000"), rec.Duration.Round(time.Millisecond),
			rec.Op, rec.Target, result)
		return nil
	})
	if flushErr := tw.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	if err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}
	fmt.Fprintf(s.out, "%d exchanges, %d failed\n", n, failed)
	return nil
}

func (s *session) discover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.browseFor)
	defer cancel()

	gateways, err := discovery.Browse(ctx, s.opts.iface)
	if err != nil {
		return fmt.Errorf("browsing: %w", err)
	}
	if len(gateways) == 0 {
		fmt.Fprintln(s.out, "no gateways found")
		return nil
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tGATEWAY\tURL")
	for _, g := range gateways {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", g.Instance, g.GatewayID, g.URL())
	}
	return tw.Flush()
}

// device returns the configured device name at addr, if any.
func (s *session) device(addr uint8) (string, bool) {
	if s.exec == nil {
		return "", false
	}
	d, ok := s.exec.Store().DeviceByAddress(addr)
	if !ok {
		return "", false
	}
	return d.Device().Name, true
}

func (s *session) deviceLabel(addr uint8) string {
	if name, ok := s.device(addr); ok {
		return " [" + name + "]"
	}
	return ""
}

// parseAddr parses a decimal or 0x-prefixed unit address.
func parseAddr(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q is not in 0-255", errUsage, s)
	}
	return uint8(n), nil
}
