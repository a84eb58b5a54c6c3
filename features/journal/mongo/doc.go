// Package mongo registers MongoDB-backed journaling for runtime events.
//
// Use clients/mongo to build the low-level client and pass it to NewJournal to
// obtain a blackboard subscriber that persists every event it receives. Replay
// reads a run's entries back in publish order.
package mongo
