// Package relay is the session and connection coordination engine.
//
// Two registries hold all shared state. PartyRegistry maps each identity to
// its single live Conn and indexes the sessions the identity belongs to.
// SessionRegistry maps session ids to Sessions, each guarding its own state
// machine. Router is the only caller of both: it validates requests, runs
// session transitions, and dispatches the notifications those transitions
// produce once every lock has been released.
//
// Envelopes from one sender within one session are enqueued to recipients
// while the sender's sequence lock is held, so all recipients observe them
// in sequence order. No ordering is imposed across senders.
//
// Lock order, outermost first: senderState.mu, Session.mu. Registry locks
// are leaf locks and are never held while another lock is acquired.
package relay
