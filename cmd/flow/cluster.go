package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowmusic/flow/pkg/bot"
	"github.com/flowmusic/flow/pkg/client"
	"github.com/flowmusic/flow/pkg/log"
)

var clusterCmd = &cobra.Command{
	Use:    "cluster",
	Short:  "Run one cluster (started by the manager)",
	Hidden: true,
	RunE:   runCluster,
}

func init() {
	clusterCmd.Flags().Int64("process-time", 0, "Manager start time in unix milliseconds")
}

func runCluster(cmd *cobra.Command, args []string) error {
	c, err := client.Connect(nil)
	if err != nil {
		return err
	}
	defer c.Close()

	logger := log.WithClusterID("main", c.ID())
	ev := logger.Info().Ints("shards", c.Shards()).Int("clusters", c.Count())
	if started, _ := cmd.Flags().GetInt64("process-time"); started > 0 {
		ev = ev.Dur("since_manager_start", time.Since(time.UnixMilli(started)))
	}
	ev.Msg("Cluster starting")

	// Playback lives on external audio nodes. A build that talks to one sets
	// bot.Options.Audio to a bot.AudioNode so that leaving an empty voice
	// channel also stops the guild's player; without it the bot only
	// disconnects.
	b, err := bot.New(c, bot.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the manager closing the pipe ends the cluster
		err := c.Run(ctx)
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return b.Run(ctx)
	})

	err = g.Wait()
	logger.Info().Msg("Cluster stopped")
	return err
}
