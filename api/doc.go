// Package api serves the plain HTTP endpoints next to the websocket:
// GET /health with room, client and execution counts, and GET /api/rooms
// with the room summaries an operator may see.
package api
