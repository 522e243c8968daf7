/*
Package api serves the manager's HTTP surface.

Routes:

	/metrics   Prometheus exposition
	/health    component health, 503 when any component is unhealthy
	/ready     readiness of the clusters, store and api components
	/live      liveness, always 200 while the process runs
	/clusters  JSON snapshot of every cluster with its last reported stats

`flow status` fetches /clusters and prints it as YAML.
*/
package api
