// Package campaign implements the campaign send engine: the state machine
// and drive loop that incrementally dispatches personalized emails to a
// recipient list, enforces the owner's daily quota, survives process
// restarts, and never double-sends.
//
// One Engine exists per owner and owns at most one drive loop. Every tick
// re-derives state from the Store, so the store — not in-memory state — is
// the source of truth. The Store interface in this package is the
// persistence contract; implementations live in repository/postgres and
// test fakes.
package campaign
