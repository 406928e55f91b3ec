package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgtermd/pgtermd/internal/admin"
	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/logging"
	"github.com/pgtermd/pgtermd/internal/metrics"
	"github.com/pgtermd/pgtermd/internal/termproxy"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runProxy(); err != nil {
			fmt.Fprintf(os.Stderr, "pgtermd: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// startupError marks a failure that happens before the proxy has bound any
// listener, mapping to exit code 1 instead of the runtime-fatal code 2.
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var se *startupError
	if errors.As(err, &se) {
		return 1
	}
	return 2
}

func runProxy() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &startupError{fmt.Errorf("loading config: %w", err)}
	}

	sink := logging.NewSlogSink(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	sink.ServiceStart()

	m := metrics.New()
	sup := termproxy.NewSupervisor(sink, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx, cfg); err != nil {
		return &startupError{fmt.Errorf("starting routes: %w", err)}
	}

	adminServer := admin.New(m, func() []admin.RouteStatus { return sup.Status() })
	if err := adminServer.Start(cfg.AdminBind); err != nil {
		sup.Shutdown()
		return &startupError{fmt.Errorf("starting admin server: %w", err)}
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		if err := sup.Reload(newCfg); err != nil {
			sink.Warn("config reload failed", "err", err)
		}
	}, func(err error) {
		sink.Warn("config watcher error", "err", err)
	})
	if err != nil {
		sink.Warn("config hot-reload not available", "err", err)
	}

	<-ctx.Done()
	sink.Info("shutdown signal received")

	if watcher != nil {
		watcher.Stop()
	}
	adminServer.Stop()
	sup.Shutdown()
	err = sup.Wait()
	sink.ServiceShutdown()
	if err != nil {
		return fmt.Errorf("route supervisor: %w", err)
	}
	return nil
}
