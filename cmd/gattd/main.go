package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/blue-gatt/config"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire"
	"github.com/user/blue-gatt/wire/debug"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "gattd"
	app.Usage = "Run a GATT peripheral or central over the socket transport"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "YAML config file (default " + config.DefaultConfigPath() + " when present)"},
		cli.StringFlag{Name: "id", Usage: "device id, overrides device_id"},
		cli.StringFlag{Name: "transport, t", Usage: "unix or websocket, overrides transport.kind"},
		cli.StringFlag{Name: "data-dir", Usage: "shared directory for sockets and adverts"},
		cli.StringFlag{Name: "log-level, l", Usage: "trace, debug, info, warn or error"},
		cli.BoolFlag{Name: "trace", Usage: "write every ATT PDU to the device's debug dir"},
	}

	durationFlag := cli.DurationFlag{Name: "duration, d", Value: 10 * time.Second, Usage: "how long to run"}
	peerFlag := cli.StringFlag{Name: "peer, p", Usage: "device id of the peripheral"}
	serviceFlag := cli.StringFlag{Name: "service, s", Usage: "service UUID"}
	charFlag := cli.StringFlag{Name: "char, u", Usage: "characteristic UUID"}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Publish the configured GATT table and advertise it",
			Action: serve,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Usage: "how long to serve; 0 runs until interrupted"},
				cli.StringFlag{Name: "session", Usage: "snapshot file restored on start and saved on exit"},
				cli.DurationFlag{Name: "tick", Usage: "push a counter to every notifiable characteristic at this interval"},
			},
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "List advertising peripherals",
			Action:  scan,
			Flags: []cli.Flag{
				durationFlag,
				cli.StringSliceFlag{Name: "service, s", Usage: "only peripherals advertising this service UUID"},
				cli.BoolFlag{Name: "dup", Usage: "report every advertising event"},
			},
		},
		{
			Name:    "explore",
			Aliases: []string{"e"},
			Usage:   "Connect, discover the table and read every readable value",
			Action:  explore,
			Flags:   []cli.Flag{peerFlag},
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Read one characteristic",
			Action:  read,
			Flags:   []cli.Flag{peerFlag, serviceFlag, charFlag},
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Write one characteristic",
			Action:  write,
			Flags: []cli.Flag{
				peerFlag, serviceFlag, charFlag,
				cli.StringFlag{Name: "value, v", Usage: "hex value"},
				cli.BoolFlag{Name: "no-response", Usage: "write without response"},
			},
		},
		{
			Name:   "subscribe",
			Usage:  "Print notifications or indications of one characteristic",
			Action: subscribe,
			Flags:  []cli.Flag{peerFlag, serviceFlag, charFlag, durationFlag},
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gattd: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	path := c.GlobalString("config")
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}

	var err error
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if id := c.GlobalString("id"); id != "" {
		cfg.DeviceID = id
	}
	if kind := c.GlobalString("transport"); kind != "" {
		cfg.Transport.Kind = kind
	}
	if dir := c.GlobalString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level := c.GlobalString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if c.GlobalBool("trace") {
		cfg.ATT.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	logger.SetLevel(cfg.Level())
	return nil
}

// newAdapter opens the configured socket transport
func newAdapter() (transport.Adapter, error) {
	var network wire.Network
	switch cfg.Transport.Kind {
	case "unix":
		network = wire.NetworkUnix
	case "websocket":
		network = wire.NetworkWebSocket
	default:
		return nil, errors.Errorf("transport %q only works inside one process", cfg.Transport.Kind)
	}
	w, err := wire.New(wire.Options{
		ID:       cfg.DeviceID,
		DataDir:  cfg.DataDir,
		Network:  network,
		Listen:   cfg.Transport.Listen,
		EventLog: cfg.Transport.EventLog,
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't open transport")
	}
	return w, nil
}

// newTracer opens the PDU trace when asked for; nil otherwise
func newTracer() (*debug.Tracer, error) {
	if !cfg.ATT.Trace {
		return nil, nil
	}
	return debug.OpenTracer(cfg.DataDir, cfg.DeviceID)
}

// runContext ends after d, when d > 0, or on SIGINT/SIGTERM
func runContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}
