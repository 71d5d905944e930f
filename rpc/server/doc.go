// Package server implements the HTTP front-end for the epcache store.
//
// The server is a thin collaborator: it translates HTTP requests into
// ep.Store facade calls and store statuses back into HTTP responses. Reads
// and writes that the store answers with WouldBlock (pending partitions,
// background fetches) are served by parking the request on a cookie and
// waiting for the store's completion notification, bounded by a timeout.
//
// Endpoints:
//
//   - GET/PUT/DELETE /kv/{vbucket}/{key}: data plane. CAS tokens travel in
//     the X-Cas header, user flags in X-Flags, expiry in X-Exptime.
//   - POST /partitions/{id}/state: transition a partition.
//   - DELETE /partitions/{id}: delete a dead partition.
//   - GET /stats: JSON stats snapshot.
//   - GET /metrics: Prometheus text exposition.
//   - GET /health: liveness probe.
package server
