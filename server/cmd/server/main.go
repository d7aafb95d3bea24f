package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/obsidianstack/changeagent/pkg/rpc"
	"github.com/obsidianstack/changeagent/server/internal/alerts"
	"github.com/obsidianstack/changeagent/server/internal/api"
	"github.com/obsidianstack/changeagent/server/internal/auth"
	"github.com/obsidianstack/changeagent/server/internal/config"
	"github.com/obsidianstack/changeagent/server/internal/forward"
	"github.com/obsidianstack/changeagent/server/internal/history"
	"github.com/obsidianstack/changeagent/server/internal/receiver"
	"github.com/obsidianstack/changeagent/server/internal/store"
	"github.com/obsidianstack/changeagent/server/internal/ws"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("changeagent-server: fatal", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("changeagent-server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to config file")
	debug := flags.Bool("debug", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("changeagent-server: starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sc := cfg.Server

	slog.Info("changeagent-server: config loaded",
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"machine_ttl", sc.Machine.TTL,
		"history", sc.History.Path,
		"forward", sc.Forward.Enabled(),
		"alert_rules", len(sc.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Machine store with background TTL eviction.
	st := store.New(sc.Machine.TTL, sc.Machine.RecentBatches)
	go st.Run(ctx)

	hub := ws.New(st, sc.SummaryInterval)
	go hub.Run(ctx)

	// Alert rules run on every handshake and batch, plus a periodic sweep for
	// time-based conditions.
	alertEngine := alerts.New(sc.Alerts)
	go alertEngine.Run(ctx, st)

	opts := []receiver.Option{receiver.WithPublisher(hub), receiver.WithAlerts(alertEngine)}
	var events api.EventSource

	if sc.History.Enabled() {
		hist, err := history.Open(sc.History.Path)
		if err != nil {
			return err
		}
		defer hist.Close()
		go hist.Run(ctx, sc.History.Retention, sc.History.PruneInterval)
		opts = append(opts, receiver.WithHistory(hist))
		events = hist
	}

	if sc.Forward.Enabled() {
		fwd := forward.New(sc.Forward, forward.DefaultBufferSize)
		go fwd.Run(ctx)
		opts = append(opts, receiver.WithForwarder(fwd))
	}

	interceptor, err := auth.Interceptor(sc.Auth)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	rpc.RegisterEventServiceServer(grpcSrv, receiver.New(st, opts...))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", sc.GRPCPort, err)
	}
	go func() {
		slog.Info("changeagent-server: gRPC listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("changeagent-server: gRPC server stopped", "err", err)
		}
	}()

	// REST API and WebSocket feed share HTTPPort.
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(st, events, alertEngine, api.WithClients(hub)))
	httpMux.Handle("/ws/stream", hub)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("changeagent-server: HTTP listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("changeagent-server: HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("changeagent-server: shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	grpcSrv.GracefulStop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	return nil
}
