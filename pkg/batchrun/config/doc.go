/*
Package config loads and validates batchrun configuration.

A configuration file is YAML or JSON:

	steps: [cas, zip, videos]
	entry_url: https://portal.example/entry
	engine:
	  watchdog_timeout: 10s
	  result_timeout: 2m
	  step_delays:
	    videos: 2s
	backoff:
	  strategy: constant
	  initial: 30s
	export:
	  dir: exports
	  format: csv
	  threshold: 100
	store:
	  driver: sqlite
	  path: batchrun.db

FromFile replaces ${NAME} references with environment variables, then checks
the document against an embedded JSON schema before returning it. EngineFromConfig turns a Config into an EngineConfig, filling
defaults for anything left out.

Config itself is a read-only view over the decoded map; accessors return the
supplied default on missing keys or mismatched types.
*/
package config
