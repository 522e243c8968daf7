package ipc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Environment variable names read by a child process.
const (
	EnvShardList      = "SHARD_LIST"
	EnvTotalShards    = "TOTAL_SHARDS"
	EnvClusterCount   = "CLUSTER_COUNT"
	EnvCluster        = "CLUSTER"
	EnvClusterManager = "CLUSTER_MANAGER"
	EnvToken          = "DISCORD_TOKEN"
	EnvMaintenance    = "MAINTENANCE"
	EnvQueueMode      = "CLUSTER_QUEUE_MODE"
	EnvClusterData    = "CLUSTER_DATA"
)

// QueueMode selects how the startup queue advances.
type QueueMode string

const (
	QueueAuto   QueueMode = "auto"
	QueueManual QueueMode = "manual"
)

// Env is the identity handed to a child process at spawn. It is built once
// by the manager and parsed once by the child; neither side mutates it.
type Env struct {
	ShardList    []int
	TotalShards  int
	ClusterCount int
	ClusterID    int
	Token        string
	Maintenance  string
	QueueMode    QueueMode
	Data         map[string]string
}

// Environ renders the identity as KEY=VALUE pairs.
func (e Env) Environ() []string {
	shards := make([]string, len(e.ShardList))
	for i, s := range e.ShardList {
		shards[i] = strconv.Itoa(s)
	}

	mode := e.QueueMode
	if mode == "" {
		mode = QueueAuto
	}

	vars := []string{
		EnvShardList + "=" + strings.Join(shards, ","),
		EnvTotalShards + "=" + strconv.Itoa(e.TotalShards),
		EnvClusterCount + "=" + strconv.Itoa(e.ClusterCount),
		EnvCluster + "=" + strconv.Itoa(e.ClusterID),
		EnvClusterManager + "=true",
		EnvToken + "=" + e.Token,
		EnvMaintenance + "=" + e.Maintenance,
		EnvQueueMode + "=" + string(mode),
	}
	if len(e.Data) > 0 {
		data, _ := json.Marshal(e.Data)
		vars = append(vars, EnvClusterData+"="+string(data))
	}
	return vars
}

// ParseEnv reads the identity using lookup, typically os.LookupEnv.
func ParseEnv(lookup func(string) (string, bool)) (Env, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	if get(EnvClusterManager) != "true" {
		return Env{}, fmt.Errorf("%s is not set; process was not started by a cluster manager", EnvClusterManager)
	}

	var e Env
	var err error

	if raw := get(EnvShardList); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return Env{}, fmt.Errorf("invalid %s entry %q: %w", EnvShardList, part, err)
			}
			e.ShardList = append(e.ShardList, id)
		}
	}

	if e.TotalShards, err = atoiVar(get, EnvTotalShards); err != nil {
		return Env{}, err
	}
	if e.ClusterCount, err = atoiVar(get, EnvClusterCount); err != nil {
		return Env{}, err
	}
	if e.ClusterID, err = atoiVar(get, EnvCluster); err != nil {
		return Env{}, err
	}

	e.Token = get(EnvToken)
	e.Maintenance = get(EnvMaintenance)

	switch mode := QueueMode(get(EnvQueueMode)); mode {
	case "", QueueAuto:
		e.QueueMode = QueueAuto
	case QueueManual:
		e.QueueMode = QueueManual
	default:
		return Env{}, fmt.Errorf("invalid %s %q", EnvQueueMode, mode)
	}

	if raw := get(EnvClusterData); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
			return Env{}, fmt.Errorf("invalid %s: %w", EnvClusterData, err)
		}
	}

	return e, nil
}

func atoiVar(get func(string) string, key string) (int, error) {
	v, err := strconv.Atoi(get(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
