package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/clipforge/clipforge-agent/internal/api"
	"github.com/clipforge/clipforge-agent/internal/config"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/playback"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/ui"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if headless {
				cfg.Headless = true
			}
			return runServe(cmd.Context(), ctx)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "Run without the system tray")
	return cmd
}

func runServe(parent context.Context, cc *commandContext) error {
	if parent == nil {
		parent = context.Background()
	}
	startTime := time.Now()

	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire agent lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another clipforge agent is already running (lock %s)", cfg.LockPath())
	}
	defer lock.Unlock()

	rt, err := cc.open(parent, os.Stdout)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	logger.Info("starting clipforge agent",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", logging.SanitizePath(cfg.DataDir),
		"service_url", cfg.Service.URL,
	)

	apiToken, err := ensureSecret(parent, rt.repo, store.ConfigKeyAPIToken, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure api token: %w", err)
	}
	printBanner(cfg, apiToken, rt.deviceID, rt.auth.IsAuthenticated())

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port,
		Session:        rt.session,
		Auth:           rt.auth,
		Store:          rt.repo,
		Playback:       playback.NewServer(logging.WithComponent(logger, "playback")),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
		DeviceID:       rt.deviceID,
		Version:        config.Version,
	})

	quitCh := make(chan struct{})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if cfg.Headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Workspace: rt.session,
			Logger:    logging.WithComponent(logger, "tray"),
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-quitCh:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-parent.Done():
	}

	logger.Info("initiating graceful shutdown")
	cancelled := rt.session.CancelAll()
	if cancelled > 0 {
		logger.Info("cancelled in-flight builds", "count", cancelled)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func printBanner(cfg *config.Config, apiToken, deviceID string, signedIn bool) {
	fmt.Println()
	fmt.Println(renderTable(
		[]string{"ClipForge Agent", "v" + config.Version},
		[][]string{
			{"API URL", "http://" + cfg.Addr()},
			{"API Token", apiToken},
			{"Device ID", deviceID[:16] + "..."},
			{"Service", cfg.Service.URL},
			{"Signed in", yesNo(signedIn)},
		},
		nil,
	))
	fmt.Println()
}
