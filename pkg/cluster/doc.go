/*
Package cluster supervises the child process that runs one group of gateway
shards.

A Cluster moves through an explicit state machine:

	Unspawned -> Spawning -> Ready -> Killed
	                  \         \
	                   +-------> Dead -> Spawning

Spawn starts the child through a child.Spawner and waits for the child's
CLIENT_READY, its death or a timeout, whichever comes first. At most one
child is alive per cluster; a second Spawn fails with AlreadySpawnedError
until the first child is killed or has died.

When a child exits without being killed and respawn is enabled, the cluster
spawns it again as long as its restart budget allows. The budget counter is
cleared every Restarts.Interval by a ticker that only runs while the cluster
is ready; Kill and death stop the ticker.

Transitions are reported to an Observer, which the manager implements. The
cluster handles READY, eval responses, custom replies and the child's own
respawn and maintenance requests; anything else is offered to
Observer.ClusterMessage.

Callbacks from the child are tagged with the spawn generation that created
them, so a late exit from a killed child can never tear down its successor.
*/
package cluster
