package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/fwdctl/internal/portfwd"
)

// runConfig is the resolved runtime configuration: defaults, then the
// TOML file, then flag overrides.
type runConfig struct {
	GatewayHost  string
	LocalPort    uint16
	EngineName   string
	TickInterval time.Duration
	MetricsAddr  string
	LogLevel     string
}

type fileConfig struct {
	Gateway      string `toml:"gateway"`
	Port         int    `toml:"port"`
	Engine       string `toml:"engine"`
	TickInterval string `toml:"tick_interval"`
	MetricsAddr  string `toml:"metrics_addr"`
	LogLevel     string `toml:"log_level"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		LocalPort:    portfwd.DefaultLocalPort,
		EngineName:   "natpmp",
		TickInterval: 100 * time.Millisecond,
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load fwdctl config: %w", err)
	}

	if meta.IsDefined("gateway") {
		cfg.GatewayHost = strings.TrimSpace(raw.Gateway)
	}

	if meta.IsDefined("port") {
		if raw.Port <= 0 || raw.Port > 65535 {
			return runConfig{}, fmt.Errorf("invalid port: %d", raw.Port)
		}
		cfg.LocalPort = uint16(raw.Port)
	}

	if meta.IsDefined("engine") {
		cfg.EngineName = strings.TrimSpace(raw.Engine)
	}

	if meta.IsDefined("tick_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TickInterval))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse tick_interval: %w", err)
		}
		if d <= 0 {
			return runConfig{}, fmt.Errorf("tick_interval must be positive")
		}
		cfg.TickInterval = d
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}
