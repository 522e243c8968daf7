package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowmusic/flow/pkg/alert"
	"github.com/flowmusic/flow/pkg/api"
	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/config"
	"github.com/flowmusic/flow/pkg/gateway"
	"github.com/flowmusic/flow/pkg/heartbeat"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/manager"
	"github.com/flowmusic/flow/pkg/metrics"
	"github.com/flowmusic/flow/pkg/storage"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Start the cluster manager",
	Long: `Start the cluster manager.

The manager resolves the shard count, splits the shards into clusters and
spawns one child process per cluster, one after another. It restarts
clusters that die or stop answering heartbeats and serves metrics and
cluster status over HTTP.`,
	RunE: runManager,
}

func runManager(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dev, _ := cmd.Flags().GetBool("dev")

	cfg, err := config.Load(configPath, dev)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr, err := newManager(cfg, store, dev)
	if err != nil {
		return err
	}

	if cfg.Heartbeat.Enabled {
		if err := mgr.Extend(heartbeat.New(heartbeat.Options{
			Interval:    cfg.Heartbeat.Interval,
			MaxMissed:   cfg.Heartbeat.MaxMissed,
			SkipRespawn: cfg.Heartbeat.SkipRespawn,
		})); err != nil {
			return fmt.Errorf("failed to install heartbeat: %w", err)
		}
	}

	var notifier *alert.Notifier
	if cfg.Alerts.WebhookURL != "" {
		notifier, err = alert.New(alert.Options{
			WebhookURL:      cfg.Alerts.WebhookURL,
			ErrorWebhookURL: cfg.Alerts.ErrorWebhookURL,
			Username:        cfg.Alerts.Username,
		})
		if err != nil {
			return err
		}
		if err := mgr.Extend(notifier); err != nil {
			return fmt.Errorf("failed to install alerts: %w", err)
		}
	}

	collector := metrics.NewCollector(mgr, store)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 2)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(mgr, store)
		go func() {
			if err := apiServer.Start(cfg.API.Addr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()
	go func() {
		if err := mgr.Spawn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("spawn failed: %w", err)
		}
	}()
	go func() {
		select {
		case <-mgr.AllReady():
			logger.Info().
				Int("clusters", mgr.TotalClusters()).
				Int("shards", mgr.TotalShards()).
				Dur("elapsed", time.Since(started)).
				Msg("All clusters are ready")
		case <-ctx.Done():
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Manager stopped")
	}

	cancel()
	if apiServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		stop()
	}
	if err := mgr.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop clusters cleanly")
	}
	if notifier != nil {
		notifier.Stop()
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func newManager(cfg *config.Config, store storage.Store, dev bool) (*manager.Manager, error) {
	totalShards, err := config.ParseCount(cfg.Manager.TotalShards)
	if err != nil {
		return nil, err
	}
	totalClusters, err := config.ParseCount(cfg.Manager.TotalClusters)
	if err != nil {
		return nil, err
	}

	path := cfg.Manager.Executable
	childArgs := cfg.Manager.Args
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		childArgs = append([]string{"cluster"}, childArgs...)
	}
	childArgs = append(childArgs, fmt.Sprintf("--process-time=%d", time.Now().UnixMilli()))
	if dev {
		childArgs = append(childArgs, "--dev")
	}

	gw := gateway.NewClient()
	gw.GuildsPerShard = cfg.Manager.GuildsPerShard

	return manager.New(manager.Options{
		Path:             path,
		Args:             childArgs,
		TotalShards:      totalShards,
		TotalClusters:    totalClusters,
		ShardsPerCluster: cfg.Manager.ShardsPerCluster,
		Token:            cfg.ActiveToken(),
		Respawn:          cfg.Manager.Respawn,
		Restarts:         cluster.Restarts{Max: cfg.Manager.Restarts.Max, Interval: cfg.Manager.Restarts.Interval},
		QueueMode:        ipc.QueueMode(cfg.Manager.QueueMode),
		SpawnDelay:       cfg.Manager.SpawnDelay,
		SpawnTimeout:     cfg.Manager.SpawnTimeout,
		Gateway:          gw,
		Store:            store,
	})
}
