/*
Package storage persists the manager's view of its clusters in BoltDB.

Two buckets are used:

	settings  the cluster layout of the current run (one record)
	clusters  the last stats report of every cluster, keyed by id

The manager resets the clusters bucket when it starts, writes the settings
record once the first cluster is created, and upserts a cluster record
whenever a child reports its stats. The status API reads both.

Values are JSON encoded. Cluster keys are big endian ids so ListClusters
returns records in id order.
*/
package storage
