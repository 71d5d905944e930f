// Package rpc provides the network-facing layer of epcache: the HTTP
// front-end serving data and admin operations, and the configuration and
// logging plumbing shared by server components.
//
// The package is organized into two subpackages:
//
//   - common: server configuration structures and the logger factory.
//
//   - server: the HTTP server exposing key-value operations, partition
//     lifecycle control, and the stats/metrics endpoints on top of the
//     ep.Store facade.
package rpc
