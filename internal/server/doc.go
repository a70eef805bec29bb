// Package server implements the HTTP server using Echo framework.
//
// Routes: WebSocket upgrade (/ws), API (stats, connections, instances),
// health probes, and Prometheus metrics. The upgrade path is guarded by
// global, per-IP, and rate connection limits before the handshake.
package server
