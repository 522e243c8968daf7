/*
Package bot runs the Discord side of one cluster.

It opens a gateway session for every shard the manager assigned, reports
ready once all of them are connected and answers the procedures the
manager broadcasts (guildCount, playerCount, shards, stats, memory).
The bot keeps itself deafened in voice and leaves a channel once no
listeners remain. Playback is delegated to an AudioNode.
*/
package bot
