package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/fwdctl/internal/engine"
	"github.com/danmuck/fwdctl/internal/engine/natpmp"
	"github.com/danmuck/fwdctl/internal/engine/upnpigd"
	"github.com/danmuck/fwdctl/internal/logging"
	"github.com/danmuck/fwdctl/internal/observability"
	"github.com/danmuck/fwdctl/internal/portfwd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fwdctl: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to TOML config file")
		gatewayHost = flag.String("gateway", "", "gateway host/IP (default: auto-discovery)")
		localPort   = flag.Int("port", 0, "local UDP port to map")
		engineName  = flag.String("engine", "", "port-control engine: natpmp or upnp")
		interval    = flag.Duration("interval", 0, "tick cadence for the session loop")
		metricsAddr = flag.String("metrics", "", "listen address for prometheus metrics (disabled if empty)")
		logLevel    = flag.String("log-level", "", "log level override")
	)
	flag.Parse()

	cfg := defaultRunConfig()
	if *configPath != "" {
		loaded, err := loadRunConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags set on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gateway":
			cfg.GatewayHost = *gatewayHost
		case "port":
			cfg.LocalPort = uint16(*localPort)
		case "engine":
			cfg.EngineName = *engineName
		case "interval":
			cfg.TickInterval = *interval
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if *localPort < 0 || *localPort > 65535 {
		return fmt.Errorf("invalid port: %d", *localPort)
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	ctor, err := engineConstructor(cfg.EngineName)
	if err != nil {
		return err
	}

	logging.ConfigureRuntime()
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		return fmt.Errorf("unknown log level: %q", cfg.LogLevel)
	}
	log := logging.Logger("fwdctl")

	observability.RegisterMetrics()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	sess := portfwd.New(portfwd.Config{
		GatewayHost: cfg.GatewayHost,
		LocalPort:   cfg.LocalPort,
		NewEngine:   ctor,
		EngineName:  cfg.EngineName,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess.Init()
	defer sess.Shutdown()

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sess.Tick()
		}
	}
}

func engineConstructor(name string) (engine.Constructor, error) {
	switch name {
	case "natpmp":
		return natpmp.New, nil
	case "upnp":
		return upnpigd.New, nil
	default:
		return nil, fmt.Errorf("unknown engine: %q", name)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "fwdctl: metrics listener: %v\n", err)
	}
}
