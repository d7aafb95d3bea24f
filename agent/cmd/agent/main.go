package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/obsidianstack/changeagent/agent/internal/collector"
	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/agent/internal/submitter"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("changeagent: fatal", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath    string
		serverAddress string
		serverPort    int
		machineID     uint64
		logLevel      string
	)

	flags := pflag.NewFlagSet("changeagent", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	flags.StringVar(&serverAddress, "server-address", "", "collection service host (overrides agent.server_address)")
	flags.IntVar(&serverPort, "server-port", 0, "collection service port (overrides agent.server_port)")
	flags.Uint64Var(&machineID, "machine-id", 0, "machine identity (overrides agent.machine_id)")
	flags.StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides agent.log_level)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	override := func(c *config.Config) {
		if flags.Changed("server-address") {
			c.Agent.ServerAddress = serverAddress
		}
		if flags.Changed("server-port") {
			c.Agent.ServerPort = serverPort
		}
		if flags.Changed("machine-id") {
			c.Agent.MachineID = machineID
		}
		if flags.Changed("log-level") {
			c.Agent.LogLevel = logLevel
		}
	}

	cfg, err := config.Load(configPath, override)
	if err != nil {
		return err
	}
	level.Set(cfg.Agent.SlogLevel())

	slog.Info("changeagent: starting",
		"config", configPath,
		"target", cfg.Agent.Target(),
		"machine_id", cfg.Agent.MachineID,
		"queue_capacity", cfg.Agent.QueueCapacity,
		"retry_interval", cfg.Agent.RetryInterval,
		"sources", len(cfg.Agent.Collector.Sources))

	pipeline, err := collector.New(cfg.Agent.Collector)
	if err != nil {
		return fmt.Errorf("build collector: %w", err)
	}
	if len(cfg.Agent.Collector.Sources) == 0 {
		slog.Warn("changeagent: no sources configured, sessions will stay idle")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Only the log level is applied on reload; connection settings are read
	// once per process.
	go func() {
		err := config.Watch(ctx, configPath, func(updated *config.Config) {
			level.Set(updated.Agent.SlogLevel())
			slog.Info("changeagent: config reloaded", "log_level", updated.Agent.LogLevel)
		}, override)
		if err != nil {
			slog.Error("changeagent: config watcher stopped", "err", err)
		}
	}()

	submitter.New(cfg.Agent, pipeline).Run(ctx)

	slog.Info("changeagent: shut down")
	return nil
}
