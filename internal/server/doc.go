// Package server implements the tablesync collaboration relay.
//
// The relay lets several WebSocket clients share a session: one opaque content
// blob that is overwritten by the last writer, a stream of pointer updates, and
// a roster of participants with assigned colors. The implementation is
// organized into files for configuration, the connection registry, clients,
// the session store, presence, routing, the reaper, metrics, and HTTP wiring.
package server
