// Package queue sequences cluster spawns. Each item runs to completion,
// then the queue waits the item's timeout before starting the next one, so
// gateway identifies are spread out instead of arriving all at once.
package queue
