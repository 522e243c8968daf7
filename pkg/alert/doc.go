// Package alert forwards manager lifecycle events to Discord webhooks.
package alert
