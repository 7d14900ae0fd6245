// Package hub is the websocket broadcast layer.
//
// A single Run loop owns the set of connections, the room each one is
// subscribed to and every outbound buffer. Subscriptions, room publishes and
// direct sends are applied in the order they were submitted. A connection
// whose buffer fills up is dropped rather than allowed to stall the loop.
//
// Each connection has a read pump that decodes protocol envelopes and hands
// them to a Handler one at a time, and a write pump that also keeps the
// connection alive with pings.
package hub
