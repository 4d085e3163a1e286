// Package config resolves the run configuration.
//
// The configuration is assembled in three layers: built-in defaults,
// the optional CUE config file named by --config, and command-line
// flags. Later layers win. The merged result is validated once and
// treated as immutable for the rest of the run.
//
// # Config File
//
// The config file is plain CUE with a closed schema, so misspelled
// fields are errors rather than silently ignored:
//
//	state_dir:       "/var/lib/aptshift"
//	log_level:       "debug"
//	conffile_policy: "keep"
//	services: ["ssh", "cron"]
//	policy_dirs: ["/etc/aptshift/policies"]
//	lock_timeout:       "90s"
//	confirmation_pause: "30s"
//	min_free_mb:        8192
//
// Durations are strings in Go syntax ("90s", "1h30m"). Booleans and
// integers are plain CUE values. Constrained fields (log_level,
// conffile_policy, tracing_exporter) are checked by the schema at parse
// time and again by validator tags after the merge, so a bad value is
// rejected no matter which layer set it.
package config
