// Package httpmw provides HTTP middleware for the webhook listener.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, recovery, request ID, client IP extraction, rate
// limiting, OTEL tracing, trace headers, metrics, structured logging,
// and the chi router.
//
// Webhook payloads carry commit messages and author details, so request
// bodies, query strings, and user-supplied headers are never logged.
package httpmw
