/*
Package metrics exposes Prometheus metrics and health state for the flow
manager.

All flow_* collectors are registered with the default registry at init and
served by Handler. The Collector copies the manager's cluster snapshot and
the stored per-cluster stats into gauges every 15 seconds.

A Checker judges health from cluster states on every probe. A dead cluster
(restart budget spent) or a failing dependency check makes the manager
unhealthy. /ready waits for every expected cluster.

	timer := metrics.NewTimer()
	result, err := c.Eval(ctx, call, 0)
	metrics.ObserveRequest("eval", timer, err)
*/
package metrics
