// Package common provides the configuration and logging plumbing shared by
// the epcache server components.
//
// The package focuses on:
//   - ServerConfig: all server-side settings (endpoint, backing store path,
//     flusher and memory tuning) with a formatted String() for startup logs
//   - Logger: a custom logging implementation plugged into the
//     dragonboat logger facility, giving every package a named, leveled
//     logger with consistent formatting
package common
