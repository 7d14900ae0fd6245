// Package logger builds the zap logger shared by every component.
//
// Two modes are supported: production (JSON, ISO8601 timestamps) and
// development (console, colored levels). The encoder and output paths can be
// overridden per deployment.
//
// Usage:
//
//	logger, err := logger.New("development", "debug")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("room created", zap.String("room", name))
package logger
