package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tymbal-dev/tymbal/internal/config"
	"github.com/tymbal-dev/tymbal/internal/engine"
	"github.com/tymbal-dev/tymbal/internal/eventbus"
	"github.com/tymbal-dev/tymbal/internal/runtimeagent"
	"github.com/tymbal-dev/tymbal/internal/tui/dashboard"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the runtime (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("no-tui", false, "disable TUI dashboard (headless JSON mode)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "runtime-config.json")

	cfg, err := config.LoadRuntime(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	noTUI, _ := cmd.Flags().GetBool("no-tui")

	logLevel := slog.LevelInfo
	switch cfg.Runtime.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	bus := eventbus.New()
	defer bus.Close()

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(eventbus.NewSlogHandler(jsonHandler, bus))

	registry, closer, err := engine.NewDefaultRegistry(cfg.Runtime, logger)
	if err != nil {
		return fmt.Errorf("build engine registry: %w", err)
	}
	defer closer.Close()

	rt := runtimeagent.New(cfg, registry, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("tymbal runtime starting", "version", version, "config", configPath, "id", cfg.Runtime.ID)

	if noTUI {
		err := rt.Run(ctx)
		if err != nil && err != context.Canceled {
			logger.Error("runtime error", "error", err)
			return err
		}
		logger.Info("runtime stopped")
		return nil
	}

	return runWithDashboard(ctx, rt, cfg, bus, logger)
}

func runWithDashboard(ctx context.Context, rt *runtimeagent.Runtime, cfg *config.RuntimeConfigFile, bus *eventbus.Bus, logger *slog.Logger) error {
	rows := make([]dashboard.AgentRow, 0, len(cfg.Agents))
	for _, b := range cfg.Agents {
		rows = append(rows, dashboard.AgentRow{
			Callsign: b.Callsign,
			EngineID: b.EngineID,
			State:    "idle",
		})
	}

	status := dashboard.HubStatus{URL: cfg.Hub.URL, RuntimeID: cfg.Runtime.ID}
	model, startForwarding := dashboard.NewInlineModel(bus, status, rows)

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx)
	}()

	dashboardDone := make(chan error, 1)
	go func() {
		dashboardDone <- dashboard.Run(model, func(p *tea.Program) {
			startForwarding(p)
		})
	}()

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.Error("runtime error", "error", err)
			return err
		}
	case err := <-dashboardDone:
		if err != nil {
			logger.Error("dashboard error", "error", err)
		}
	}

	logger.Info("runtime stopped")
	return nil
}
