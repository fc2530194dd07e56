// Package cryptoutil holds the hashing helpers the sync pipeline relies on:
// content digests stored alongside published objects and constant-time
// comparison of digests and shared secrets.
package cryptoutil
