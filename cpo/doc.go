// Package cpo implements the central post office: the star-topology
// broker that accepts post office connections, authenticates them, routes
// direct and publish messages between them, re-encrypts protected fields
// for the next hop, snoops subscription traffic to build its routing
// table, replays subscriptions to freshly connected sources, and
// supervises liveness with pings.
package cpo
