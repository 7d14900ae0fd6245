// Package station is the application layer of the code room server.
//
// A Service receives decoded client events from the hub, applies them to
// the room registry, starts and stops executions through its supervisor
// and fans the results back out through a Broadcaster. Every room event is
// applied to the room the connection joined; a room named in the payload
// is only advisory.
//
// On disconnect the member leaves its room and, depending on
// execution.disconnect_cleanup, either its own runs or every run in the
// room are terminated.
package station
