package cluster

// State is the lifecycle position of a cluster.
//
//	Unspawned -> Spawning -> Ready -> Killed
//	                  \         \
//	                   +-------> Dead -> Spawning (automatic respawn)
type State int

const (
	StateUnspawned State = iota
	StateSpawning
	StateReady
	StateKilled
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateKilled:
		return "killed"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
