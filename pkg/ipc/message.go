package ipc

// MessageType discriminates IPC envelopes. The set is closed; names on the
// wire are the upper snake case strings below.
type MessageType int

const (
	MissingType MessageType = iota
	CustomRequest
	CustomMessage
	CustomReply
	Heartbeat
	HeartbeatAck
	ClientBroadcastRequest
	ClientBroadcastResponse
	ClientRespawn
	ClientRespawnAll
	ClientMaintenance
	ClientMaintenanceEnable
	ClientMaintenanceDisable
	ClientMaintenanceAll
	ClientSpawnNextCluster
	ClientReady
	ClientEvalRequest
	ClientEvalResponse
	ClientManagerEvalRequest
	ClientManagerEvalResponse
)

var messageTypeNames = [...]string{
	MissingType:               "MISSING_TYPE",
	CustomRequest:             "CUSTOM_REQUEST",
	CustomMessage:             "CUSTOM_MESSAGE",
	CustomReply:               "CUSTOM_REPLY",
	Heartbeat:                 "HEARTBEAT",
	HeartbeatAck:              "HEARTBEAT_ACK",
	ClientBroadcastRequest:    "CLIENT_BROADCAST_REQUEST",
	ClientBroadcastResponse:   "CLIENT_BROADCAST_RESPONSE",
	ClientRespawn:             "CLIENT_RESPAWN",
	ClientRespawnAll:          "CLIENT_RESPAWN_ALL",
	ClientMaintenance:         "CLIENT_MAINTENANCE",
	ClientMaintenanceEnable:   "CLIENT_MAINTENANCE_ENABLE",
	ClientMaintenanceDisable:  "CLIENT_MAINTENANCE_DISABLE",
	ClientMaintenanceAll:      "CLIENT_MAINTENANCE_ALL",
	ClientSpawnNextCluster:    "CLIENT_SPAWN_NEXT_CLUSTER",
	ClientReady:               "CLIENT_READY",
	ClientEvalRequest:         "CLIENT_EVAL_REQUEST",
	ClientEvalResponse:        "CLIENT_EVAL_RESPONSE",
	ClientManagerEvalRequest:  "CLIENT_MANAGER_EVAL_REQUEST",
	ClientManagerEvalResponse: "CLIENT_MANAGER_EVAL_RESPONSE",
}

// String returns the wire name of the type.
func (t MessageType) String() string {
	if t < 0 || int(t) >= len(messageTypeNames) {
		return messageTypeNames[MissingType]
	}
	return messageTypeNames[t]
}

// ParseMessageType returns the type with the given wire name, or
// MissingType when the name is not part of the set.
func ParseMessageType(name string) MessageType {
	for i, n := range messageTypeNames {
		if n == name {
			return MessageType(i)
		}
	}
	return MissingType
}

// IsResponse reports whether envelopes of this type settle a pending request.
func (t MessageType) IsResponse() bool {
	switch t {
	case CustomReply, ClientBroadcastResponse, ClientEvalResponse, ClientManagerEvalResponse:
		return true
	}
	return false
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	*t = ParseMessageType(string(text))
	return nil
}
