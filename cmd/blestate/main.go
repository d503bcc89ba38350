package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/blestate/internal/ble"
	"github.com/chaz8081/blestate/internal/config"
	"github.com/chaz8081/blestate/internal/status"
	"github.com/chaz8081/blestate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blestate/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

func run(cfg *config.Config) error {
	filter, err := cfg.ScanFilter()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.InitMetrics()

	adapter := ble.NewTinyGoAdapter()
	scanner := ble.NewScanner(adapter, adapter, ble.ScannerOptions{
		CleanMode: cfg.CleanMode(),
		Device: ble.DeviceOptions{
			ReconnectMax: cfg.Connect.ReconnectMax,
			OnActionCompleted: func(action ble.Action, err error) {
				if err != nil {
					slog.Warn("action failed", "action", fmt.Sprintf("%T", action), "error", err)
				}
			},
		},
	})
	defer func() {
		if err := scanner.Close(); err != nil {
			slog.Warn("closing scanner", "error", err)
		}
	}()

	if cfg.Status.Listen != "" {
		go func() {
			if err := status.Serve(ctx, cfg.Status.Listen, status.NewRouter(scanner)); err != nil {
				slog.Error("status API stopped", "error", err)
			}
		}()
	}

	a := &app{cfg: cfg, scanner: scanner, filter: filter}
	a.loop(ctx)
	a.disconnect()
	return nil
}

// app drives the scanner from configuration: it scans under the configured
// filter, optionally for a limited time, and connects the configured
// device once it shows up.
type app struct {
	cfg     *config.Config
	scanner *ble.Scanner
	filter  ble.Filter

	scanDone     bool
	scanFailures int
	connected    *ble.Device
}

func (a *app) loop(ctx context.Context) {
	var deadline, retry <-chan time.Time
	states := a.scanner.Watch(ctx)

	start := func(idle *ble.Idle) {
		if err := idle.StartScanning(a.filter); err != nil {
			if !errors.Is(err, ble.ErrStaleState) {
				slog.Error("start scanning", "error", err)
			}
			return
		}
		if a.cfg.Scan.Duration > 0 && deadline == nil {
			deadline = time.After(a.cfg.Scan.Duration)
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down...")
			return
		case <-retry:
			retry = nil
			if idle, ok := a.scanner.State().(*ble.Idle); ok && !a.scanDone {
				start(idle)
			}
		case <-deadline:
			deadline = nil
			a.scanDone = true
			if err := a.scanner.StopScanning(); err != nil {
				slog.Warn("stop scanning", "error", err)
			}
			slog.Info("Scan duration elapsed", "duration", a.cfg.Scan.Duration, "devices", len(a.scanner.DevicesForCurrentScanFilter()))
		case s, ok := <-states:
			if !ok {
				return
			}
			switch st := s.(type) {
			case *ble.MissingPermissions:
				slog.Warn("Bluetooth unavailable", "availability", st.Availability())
			case *ble.Disabled:
				slog.Info("Bluetooth is off, waiting for it to be enabled")
			case *ble.Idle:
				if a.scanDone || retry != nil {
					continue
				}
				if st.Err() != nil {
					// The scan stopped on an unrecoverable failure; retry later.
					delay := ble.BackoffDelay(a.scanFailures, a.cfg.Connect.ReconnectMax)
					a.scanFailures++
					slog.Warn("Scan failed, retrying", "error", st.Err(), "in", delay)
					retry = time.After(delay)
					continue
				}
				a.scanFailures = 0
				start(st)
			case *ble.Scanning:
				a.maybeConnect(ctx, st)
			}
		}
	}
}

func (a *app) maybeConnect(ctx context.Context, s *ble.Scanning) {
	if a.cfg.Connect.Device == "" || a.connected != nil {
		return
	}
	d, ok := s.Devices().Get(ble.Identifier(a.cfg.Connect.Device))
	if !ok {
		return
	}
	disconnected, ok := d.State().(*ble.Disconnected)
	if !ok {
		return
	}
	if err := disconnected.Connect(a.cfg.Reconnection()); err != nil {
		slog.Warn("connect", "device", d, "error", err)
		return
	}
	a.connected = d
	slog.Info("Connecting", "device", d, "reconnect", a.cfg.Reconnection())
	go a.watchDevice(ctx, d)
}

// watchDevice logs connection changes and negotiates the configured MTU
// once per connection.
func (a *app) watchDevice(ctx context.Context, d *ble.Device) {
	negotiated := false
	for s := range d.Watch(ctx) {
		switch st := s.(type) {
		case *ble.ConnectedIdle:
			if !negotiated && a.cfg.Connect.MTU > ble.DefaultMTU {
				negotiated = true
				if err := st.RequestMTU(a.cfg.Connect.MTU); err != nil {
					slog.Debug("request MTU", "device", d, "error", err)
				}
			}
			slog.Info("Connected", "device", d, "services", strings.Join(st.Services(), ","), "mtu", st.MTU())
		case *ble.Disconnected:
			negotiated = false
			if st.Err() != nil {
				slog.Warn("Disconnected", "device", d, "error", st.Err())
			} else {
				slog.Info("Disconnected", "device", d)
			}
		case *ble.Connecting:
			negotiated = false
			if st.Attempt() > 0 {
				slog.Info("Reconnecting", "device", d, "attempt", st.Attempt())
			}
		}
	}
}

func (a *app) disconnect() {
	if a.connected == nil {
		return
	}
	if err := a.connected.Disconnect(); err != nil {
		slog.Warn("disconnect", "device", a.connected, "error", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	filter := "(any)"
	if len(cfg.Scan.Filter) > 0 {
		filter = strings.Join(cfg.Scan.Filter, ", ")
	}
	device := "(none)"
	if cfg.Connect.Device != "" {
		device = fmt.Sprintf("%s (reconnect: %s)", cfg.Connect.Device, cfg.Connect.Reconnect)
	}
	api := "(disabled)"
	if cfg.Status.Listen != "" {
		api = cfg.Status.Listen
	}
	fmt.Println("=== blestate ===")
	fmt.Printf("  Filter:  %s\n", filter)
	fmt.Printf("  Clean:   %s\n", cfg.Scan.CleanMode)
	fmt.Printf("  Device:  %s\n", device)
	fmt.Printf("  Status:  %s\n", api)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
