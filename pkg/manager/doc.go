/*
Package manager supervises the clusters of a sharded Discord bot.

A Manager resolves the shard count (optionally from the gateway), splits
the shards into contiguous chunks and queues one cluster spawn per chunk.
Every cluster runs a child process; the manager observes their lifecycle,
answers the requests children send it, and fans typed procedure calls out
to them.

	m, err := manager.New(manager.Options{
		Path:             exe,
		Args:             []string{"cluster"},
		TotalShards:      manager.Auto,
		TotalClusters:    manager.Auto,
		ShardsPerCluster: 16,
		Token:            token,
		Respawn:          true,
		Gateway:          gateway.NewClient(),
	})
	if err != nil {
		return err
	}
	if err := m.Extend(heartbeat.New(heartbeat.Options{})); err != nil {
		return err
	}
	go m.Spawn(ctx)
	<-m.AllReady()

	counts, err := m.FetchClientValues(ctx, "guildCount")

# Broadcast targets

BroadcastEval targets every cluster unless the options narrow it. A guild
id is mapped to its shard with (id >> 22) % totalShards and the shard to the
cluster that owns it. A broadcast fails as a whole when any target fails.

# Events

Lifecycle transitions are published on an events.Broker as well as logged.
*/
package manager
