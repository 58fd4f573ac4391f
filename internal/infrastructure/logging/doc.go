// Package logging provides structured logging for the dorfbus binaries.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the gateway and its tools.
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "dorfbusd", "1.0.0")
//	logger.Info("serial port open", "path", cfg.Serial.Path)
//	logger.Error("exchange failed", "error", err)
package logging
