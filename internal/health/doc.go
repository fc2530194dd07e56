// Package health provides composable health check probes and HTTP handlers
// for the liveness and readiness endpoints of the webhook listener.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [Named] prefixes a failure with the dependency it came from and [Timeout]
// bounds probes that make network calls. [CheckFunc] adapts a plain
// function into a [Probe].
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness fails
// immediately so load balancers stop sending webhooks before the in-flight
// sync is drained.
package health
