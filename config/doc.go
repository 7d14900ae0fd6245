// Package config provides application configuration management.
//
// Configuration is read from an optional config.yaml (in the working
// directory or ./config) or an explicit file, overlaid with CODESTATION_*
// environment variables, and validated. It covers the HTTP listener,
// logging, room limits, the execution supervisor, websocket transport
// limits, the MCP operator surface and the per-language interpreters.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Listening on %s\n", cfg.Server.Addr)
package config
