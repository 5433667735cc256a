// Package logging provides structured logging for the appservices daemon.
//
// It wraps log/slog with the service's default fields and adds rotating
// file output through lumberjack.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "file"     # stdout, stderr, file
//	  file:
//	    path: "/var/log/appservices/appservices.log"
//	    max_size: 50     # megabytes
//	    max_backups: 5
//	    max_age: 28      # days
//	    compress: true
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	defer logger.Close()
//	logger.Info("starting", "engines", cfg.Sync.Engines)
//
// Components receive logger.With("component", name). Never log sync keys,
// access tokens or login passwords.
package logging
