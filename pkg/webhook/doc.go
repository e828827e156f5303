// Package webhook delivers memory events to external HTTP endpoints.
//
// Deliveries are queued and posted by a single background worker so the
// memory store's callbacks never block on the network. Each payload is JSON,
// optionally signed with HMAC-SHA256 in the X-Retina-Signature-256 header,
// and retried with linear backoff on network errors, 429 and 5xx replies.
package webhook
