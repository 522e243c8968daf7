// Package gateway asks Discord how many shards a bot token should run.
package gateway
