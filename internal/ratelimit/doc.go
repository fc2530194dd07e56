// Package ratelimit provides the two rate limiters used by the sync service.
//
// IPLimiter is per-IP inbound middleware for the webhook listener. It is
// in-memory and single-instance; it does not protect against distributed
// senders, so a public webhook endpoint still wants upstream filtering.
//
// Limiter paces outbound object store writes so a large change set does not
// trip the store's request throttling.
package ratelimit
