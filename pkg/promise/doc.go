// Package promise correlates IPC responses with the requests that caused
// them. Each request registers its nonce before the envelope is sent; the
// matching response, an explicit rejection or the timeout settles it
// exactly once.
package promise
