/*
Package client implements the child side of the cluster protocol.

A process started by the manager calls Connect, which reads the identity
from the environment and opens the inherited IPC pipes. Run then answers
CLIENT_EVAL_REQUEST from the procedure registry, acknowledges heartbeats
and tracks maintenance, while the bot uses the client to report ready,
send stats and query other clusters through the manager.
*/
package client
