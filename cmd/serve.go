package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codefleet/overseer/internal/api"
	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/daemon"
	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/reconcile"
	"github.com/codefleet/overseer/internal/registry"
	"github.com/codefleet/overseer/internal/store"
)

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the overseer server",
	Long: `Start the overseer HTTP server.

The server accepts host reports, serves the REST API, and streams change
events to connected observers over SSE. By default it listens on
127.0.0.1:7171; use --listen or the listen config key to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveDetachRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a detached overseer server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run the server in the background")
	serveCmd.Flags().String("listen", "", "Listen address (host:port)")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "overseer-serve.pid")
}

func serveRun(parent context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	led := ledger.New(st, eventBus, logger)
	reg := registry.New(st, led, eventBus, logger)
	rec := reconcile.New(st, led, logger)

	follower := reconcile.NewFollower(rec, eventBus, logger)
	go follower.Run(ctx)

	go sweepLoop(ctx, reg, st, logger)

	server := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: api.NewServer(reg, led, rec, eventBus, logger).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// sweepLoop periodically archives sessions a host has stopped reporting.
func sweepLoop(ctx context.Context, reg *registry.Registry, st store.Store, logger *slog.Logger) {
	interval := viper.GetDuration("sweep.interval")
	if interval <= 0 {
		interval = time.Minute
	}
	grace := viper.GetDuration("sweep.grace")
	if grace <= 0 {
		grace = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := st.ListSessions(ctx, store.SessionListFilter{})
			if err != nil {
				logger.Warn("sweep list sessions", "error", err)
				continue
			}
			hosts := make(map[string]bool)
			for _, s := range sessions {
				hosts[s.HostID] = true
			}
			cutoff := time.Now().UTC().Add(-grace)
			for hostID := range hosts {
				if _, err := reg.SweepStale(ctx, hostID, cutoff); err != nil {
					logger.Warn("sweep host", "host_id", hostID, "error", err)
				}
			}
		}
	}
}

// serveDetachRun re-executes the current binary in the background.
func serveDetachRun() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"serve"}
	if listen := viper.GetString("listen"); listen != "" {
		args = append(args, "--listen", listen)
	}

	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if dryRun {
		ui.DryRunMsg("Would start server in background: %s %v", exe, args)
		return nil
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	// The child writes its own pid file once it is up; record the pid we
	// observed too so stop works even if startup is still in flight.
	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	ui.Success("Server started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	pid, err := pf.Read()
	if err != nil {
		return fmt.Errorf("no running server found: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server (pid %d): %w", pid, err)
	}
	_ = pf.Release()

	ui.Success("Server stopped (pid %d)", pid)
	return nil
}
