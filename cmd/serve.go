package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KinnaTo/videoconverter/internal/client"
	"github.com/KinnaTo/videoconverter/internal/config"
	"github.com/KinnaTo/videoconverter/internal/runner"
	"github.com/KinnaTo/videoconverter/internal/task"
	"github.com/KinnaTo/videoconverter/internal/version"
	"github.com/KinnaTo/videoconverter/pkg/httpclient"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcode runner",
	Long: `Start the videoconverter runner.

The runner will:
1. Load or provision its machine identity (config.json next to the binary)
2. Probe the system and detect the usable encoder (NVENC or CPU)
3. Register with the control plane and start heartbeating
4. Poll for tasks and drive them through download, convert, and upload

Examples:
  # Connect to a control plane
  BASE_URL=http://plane.local:3000 token=secret videoconverter-runner serve

  # Two parallel downloads, custom name
  BASE_URL=http://plane.local:3000 videoconverter-runner serve \
    --name gpu-worker-1 --download-slots 2`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("base-url", "", "control-plane base URL (overrides BASE_URL)")
	serveCmd.Flags().String("name", "", "machine name (overrides HOSTNAME)")
	serveCmd.Flags().String("encoder", "", "encoder hint: hardware or cpu (overrides ENCODER)")
	serveCmd.Flags().String("identity-file", "", "path of the persisted identity file")
	serveCmd.Flags().Int("download-slots", 0, "concurrent downloads (0 = config/default)")
	serveCmd.Flags().Int("convert-slots", 0, "concurrent transcodes (0 = config/default)")
	serveCmd.Flags().Int("upload-slots", 0, "concurrent uploads (0 = config/default)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfigWithFlags(cmd, configPath)
	if err != nil {
		// Missing env or malformed config is fatal at startup.
		err = task.NewError(task.CodeConfig, err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}

	applyLoggingFlags(cmd, cfg.Logging.Level, cfg.Logging.Format)
	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("videoconverter-runner starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)

	identityPath, _ := cmd.Flags().GetString("identity-file")
	if identityPath == "" {
		identityPath = config.IdentityPath()
	}

	identity, err := loadOrProvisionIdentity(identityPath, cfg.Name, logger)
	if err != nil {
		return task.NewError(task.CodeConfig, err)
	}

	hcCfg := httpclient.DefaultConfig()
	hcCfg.Timeout = cfg.HTTP.Timeout
	hcCfg.RetryAttempts = cfg.HTTP.RetryAttempts
	hcCfg.RetryDelay = cfg.HTTP.RetryDelay
	hcCfg.RetryMaxDelay = cfg.HTTP.RetryMaxDelay
	hcCfg.UserAgent = version.UserAgent()
	hcCfg.Logger = logger

	api := client.New(cfg.APIBase(), identity.Token, httpclient.New(hcCfg), logger)

	r := runner.New(runner.Deps{
		Config:       cfg,
		Identity:     identity,
		IdentityPath: identityPath,
		API:          api,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	logger.Info("runner online",
		slog.String("base_url", cfg.BaseURL),
		slog.String("machine_id", identity.ID),
	)

	sig := waitForSignal()
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out, exiting with in-flight work")
	}

	logger.Info("shutdown complete")
	return nil
}

// loadConfigWithFlags loads the config and folds serve flags over it.
func loadConfigWithFlags(cmd *cobra.Command, configPath string) (*config.Config, error) {
	// Flags that feed validation must be applied before Validate runs,
	// so set them as env-equivalents first.
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		os.Setenv("BASE_URL", v)
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		os.Setenv("HOSTNAME", v)
	}
	if v, _ := cmd.Flags().GetString("encoder"); v != "" {
		os.Setenv("ENCODER", v)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetInt("download-slots"); v > 0 {
		cfg.Queue.DownloadSlots = v
	}
	if v, _ := cmd.Flags().GetInt("convert-slots"); v > 0 {
		cfg.Queue.ConvertSlots = v
	}
	if v, _ := cmd.Flags().GetInt("upload-slots"); v > 0 {
		cfg.Queue.UploadSlots = v
	}

	return cfg, nil
}

// loadOrProvisionIdentity reads the persisted identity, or provisions a
// fresh one from the bootstrap token when none exists yet.
func loadOrProvisionIdentity(path, name string, logger *slog.Logger) (*config.Identity, error) {
	identity, err := config.LoadIdentity(path)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if identity != nil {
		logger.Info("identity loaded",
			slog.String("machine_id", identity.ID),
			slog.String("path", path),
		)
		return identity, nil
	}

	bootstrap := os.Getenv("token")
	if bootstrap == "" {
		return nil, fmt.Errorf("no persisted identity at %s and no bootstrap token in env", path)
	}

	identity = config.NewIdentity(name, bootstrap)
	if err := identity.Save(path); err != nil {
		return nil, fmt.Errorf("persisting fresh identity: %w", err)
	}
	logger.Info("identity provisioned",
		slog.String("machine_id", identity.ID),
		slog.String("path", path),
	)
	return identity, nil
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
