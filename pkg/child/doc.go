// Package child starts and supervises one OS process with a bidirectional
// IPC channel. The manager side uses Spawn; the process itself calls
// ParentConn to reach the manager.
package child
