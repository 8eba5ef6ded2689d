// Package mop implements the post office client runtime: the mailbox
// registry, local routing, publish/subscribe bookkeeping, and the single
// long-lived connection to the central post office with authentication,
// automatic reconnect and ping supervision.
//
// An application creates a PostOffice, creates one or more mailboxes, and
// exchanges messages through them. Messages addressed to mailboxes of the
// same post office are delivered locally without touching the network;
// everything else is shuttled through the central post office.
package mop
