// Package cmd implements the command-line interface for the epcache server.
// It provides a small command tree: "serve" runs the store with its HTTP
// front-end, "version" prints the build version.
//
// Configuration is resolved in the usual precedence order: command-line
// flags, then EPCACHE_-prefixed environment variables (including .env and
// .env.local files), then defaults.
package cmd
