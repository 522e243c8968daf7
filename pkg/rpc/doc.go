// Package rpc is the closed set of operations the manager and its children
// can ask of each other. Callers name a registered procedure and pass JSON
// arguments; nothing is evaluated dynamically.
package rpc
