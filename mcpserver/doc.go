// Package mcpserver provides the Model Context Protocol (MCP) operator surface.
//
// The server exposes four tools backed by the station: list_rooms, get_tab,
// run_tab and stop_tab. Runs started here are owned by the operator, so
// they are not cleaned up when a member disconnects, and their output is
// broadcast to the room like any other run. It uses the mark3labs/mcp-go
// library to handle the protocol details.
//
// The surface is served over streamable HTTP on the main listener at
// mcp.path, or over stdio, as configured by mcp.transport.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, stationService)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mux.Handle(cfg.MCP.Path, srv.Handler())
package mcpserver
