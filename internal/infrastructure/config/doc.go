// Package config loads and validates the appservices daemon configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file, then
// APPSERVICES_* environment variables. Validate reports every problem it
// finds in one error.
//
// Security Considerations:
//   - The sync key, the logins key and the JWT secret belong in environment
//     variables, not in the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.ResolvePath(flagValue))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := logins.Open(ctx, cfg.StoragePath("logins.db"), opts)
package config
