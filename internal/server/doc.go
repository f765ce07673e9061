// Package server implements the relay: an HTTP and WebSocket service that
// authenticates connections by self-asserted wallet address, keeps a bounded
// history of relayed messages, and fans messages and typing notices out to
// every connected session.
//
// The implementation is organized into files for configuration, the hub,
// per-connection clients, routing, and HTTP handlers.
package server
