// Package eventstream consumes the Home Connect server-sent event stream of
// a single appliance.
//
// The Consumer waits on a TransportGate for an authenticated client, keeps
// the stream open, reassembles id/event/data frames and hands domain events
// to subscribers. KEEP-ALIVE frames only feed the watchdog. A connection that
// stays silent for the keep-alive timeout is torn down and reopened; the
// reader of one attempt always exits before the next attempt starts.
package eventstream
