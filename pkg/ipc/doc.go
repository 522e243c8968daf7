/*
Package ipc defines the control-plane protocol between the cluster manager
and its child processes.

Every message is an Envelope: a closed MessageType tag, an optional nonce and
a JSON payload. Requests carry a fresh nonce from GenerateNonce; the
receiver answers with Envelope.Reply, which copies the nonce verbatim so the
requester can correlate the response. Envelopes travel as newline delimited
JSON over a Conn, normally a pair of pipes inherited by the child as extra
file descriptors.

Receivers route envelopes through a Dispatcher. Dispatch reports whether a
handler consumed the envelope; unconsumed envelopes are surfaced to the
owner as generic messages.

Remote code evaluation is not supported. A request names a registered
procedure with a Call instead.

Env is the immutable identity of a child process, passed through its
environment at spawn time.
*/
package ipc
