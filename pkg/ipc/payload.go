package ipc

import (
	"encoding/json"
	"time"
)

// Call names a registered procedure and its JSON arguments. It replaces
// shipping source code to be evaluated remotely.
type Call struct {
	Procedure string          `json:"procedure"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// NewCall builds a Call, marshalling args when present.
func NewCall(procedure string, args any) (Call, error) {
	c := Call{Procedure: procedure}
	if args == nil {
		return c, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Call{}, err
	}
	c.Args = data
	return c, nil
}

// BroadcastOptions selects which clusters a broadcast evaluation reaches.
// GuildID overrides Shard, and Shard overrides Clusters. With none set
// every cluster is targeted.
type BroadcastOptions struct {
	Clusters []int        `json:"clusters,omitempty"`
	Shard    *int         `json:"shard,omitempty"`
	GuildID  string       `json:"guildId,omitempty"`
	Timeout  JSONDuration `json:"timeout,omitempty"`
}

// BroadcastRequest is the payload of CLIENT_BROADCAST_REQUEST.
type BroadcastRequest struct {
	Call    Call             `json:"call"`
	Options BroadcastOptions `json:"options"`
}

// RespawnAllOptions is the payload of CLIENT_RESPAWN_ALL.
type RespawnAllOptions struct {
	ClusterDelay JSONDuration `json:"clusterDelay,omitempty"`
	RespawnDelay JSONDuration `json:"respawnDelay,omitempty"`
	Timeout      JSONDuration `json:"timeout,omitempty"`
}

// RespawnOptions is the payload of CLIENT_RESPAWN.
type RespawnOptions struct {
	Delay   JSONDuration `json:"delay,omitempty"`
	Timeout JSONDuration `json:"timeout,omitempty"`
}

// Maintenance is the payload of the maintenance message family. An empty
// reason lifts maintenance.
type Maintenance struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload is carried by HEARTBEAT and echoed by HEARTBEAT_ACK.
type HeartbeatPayload struct {
	Date int64 `json:"date"`
}

// Stats is reported periodically by each child as a CUSTOM_MESSAGE.
type Stats struct {
	Cluster   int       `json:"cluster"`
	Shards    []int     `json:"shards"`
	Guilds    int       `json:"guilds"`
	Players   int       `json:"players"`
	MemoryMB  float64   `json:"memoryMb"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Custom wraps user payloads sent as CUSTOM_MESSAGE or CUSTOM_REQUEST so
// receivers can route on Kind.
type Custom struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Custom message kinds understood by the manager.
const (
	KindStats = "stats"
)

// JSONDuration is a duration encoded as integer milliseconds. Negative
// values survive the round trip and mean "do not wait".
type JSONDuration time.Duration

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

func (d *JSONDuration) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*d = JSONDuration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Duration converts to time.Duration.
func (d JSONDuration) Duration() time.Duration {
	return time.Duration(d)
}
