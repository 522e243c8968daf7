// Package heartbeat detects hung cluster processes. A Monitor is a manager
// plugin: every interval it sends HEARTBEAT to each ready cluster, counts
// beats that were not acknowledged and respawns a cluster once it missed
// MaxMissed in a row.
package heartbeat
