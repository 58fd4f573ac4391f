// dorfbusctl - maintenance tool for dorfbus relay cards
//
// It talks to the serial line directly, so it must not run while dorfbusd
// owns the port. Commands:
//
//	dorfbusctl [flags] read-version <addr>
//	dorfbusctl [flags] set-address <old> <new>
//	dorfbusctl [flags] scan [from] [to]
//	dorfbusctl [flags] trace <file>
//	dorfbusctl [flags] discover
//	dorfbusctl [flags] console
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options are the global flags.
type options struct {
	configPath string
	port       string
	baud       int
	timeout    time.Duration
	iface      string
	browseFor  time.Duration
	verbose    bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and executes one command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dorfbusctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", os.Getenv("DORFBUS_CONFIG"), "Configuration file (serial settings and topology)")
	fs.StringVar(&opts.port, "port", "", "Serial port, overrides serial.path")
	fs.IntVar(&opts.baud, "baud", 0, "Baud rate, overrides serial.baud_rate")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Exchange timeout, overrides bus.exchange_timeout_ms")
	fs.StringVar(&opts.iface, "iface", "", "Network interface for discover (default: all)")
	fs.DurationVar(&opts.browseFor, "browse", 3*time.Second, "How long discover listens")
	fs.BoolVar(&opts.verbose, "v", false, "Log every bus frame")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "dorfbusctl %s (%s, %s)\n\n", version, commit, date)
		fmt.Fprintln(stderr, "Usage: dorfbusctl [flags] <command> [args]")
		fmt.Fprintln(stderr)
		fmt.Fprint(stderr, commandHelp)
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logging.NewWithWriter(stderr, config.LoggingConfig{Level: level, Format: "text"}, "dorfbusctl", version)

	s := newSession(cfg, opts, stdout, log)
	defer s.Close()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "console" {
		return runConsole(ctx, s)
	}
	return s.Exec(ctx, cmd, cmdArgs)
}

// loadConfig reads the configuration file when one is given, otherwise the
// built-in defaults, and applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
		cfg.Topology.Path = ""
	}

	if opts.port != "" {
		cfg.Serial.Path = opts.port
	}
	if opts.baud > 0 {
		cfg.Serial.BaudRate = opts.baud
	}
	if opts.timeout > 0 {
		cfg.Bus.ExchangeTimeoutMS = int(opts.timeout / time.Millisecond)
	}
	return cfg, nil
}
