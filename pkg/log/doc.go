/*
Package log provides structured logging for flow using zerolog.

A single global Logger is configured once by Init from the process
configuration. Components derive child loggers carrying identifying fields:

	logger := log.WithComponent("manager")
	logger.Info().Int("clusters", 4).Msg("spawning clusters")

	clog := log.WithClusterID("cluster", 2)
	clog.Warn().Err(err).Msg("child exited")

The manager and every child process share the same output format. Children
inherit the manager's stdout and stderr, so their lines interleave with the
manager's and are distinguished by the cluster_id field.

Console output is human readable and intended for development. Set
JSONOutput for production log shipping.
*/
package log
