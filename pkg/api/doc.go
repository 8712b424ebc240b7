// Package api exposes the entity audit repository over HTTP.
//
// Routes:
//
//	POST /audit/events                          record one batch
//	GET  /audit/entities/{id}/events            page through an entity's trail (startKey, count)
//	GET  /audit/entities/{id}/export            whole trail as json, csv or ndjson (format)
//	GET  /audit/tag-changes                     entities with tag changes in [from, to]
//	GET  /audit/excludes/{type}                 attributes excluded from audit payloads
//	GET  /audit/info                            backend name and quota
//
// Every query and path parameter is length checked before the repository is called.
// Errors are written as {"error": "..."} with the status chosen by
// httputil.StatusForError: 400 for invalid arguments, 503 when auditing is disabled,
// 504 for storage timeouts and 500 for other storage failures.
//
// NewRouter adds request IDs, the authenticated principal header, structured request
// logging, panic recovery, Prometheus metrics, health endpoints and OpenTelemetry
// tracing around these routes.
package api
