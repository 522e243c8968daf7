package manager

import (
	"strconv"
)

// Partition splits shards into consecutive chunks of perCluster shards.
// The last chunk may be shorter. A non-positive perCluster yields a
// single chunk.
func Partition(shards []int, perCluster int) [][]int {
	if len(shards) == 0 {
		return nil
	}
	if perCluster <= 0 {
		perCluster = len(shards)
	}

	chunks := make([][]int, 0, (len(shards)+perCluster-1)/perCluster)
	for start := 0; start < len(shards); start += perCluster {
		end := min(start+perCluster, len(shards))
		chunk := make([]int, end-start)
		copy(chunk, shards[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ShardIDForGuildID returns the shard a guild is routed to by the Discord
// gateway.
func ShardIDForGuildID(guildID uint64, totalShards int) int {
	if totalShards <= 0 {
		return 0
	}
	return int((guildID >> 22) % uint64(totalShards))
}

// ParseGuildID parses a snowflake and returns its shard.
func ParseGuildID(guildID string, totalShards int) (int, error) {
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, err
	}
	return ShardIDForGuildID(id, totalShards), nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
