// Package main is the entry point for the Code Station server.
//
// Code Station hosts collaborative code rooms: members of a room share a
// set of editable tabs and a chat log over a websocket, and can run Python
// or Node.js tabs on the server with output streamed to everyone in the
// room. Operators can inspect rooms and run or stop tabs over MCP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
