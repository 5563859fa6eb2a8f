// Package config handles configuration loading for the fabric router and
// agent processes.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; a missing file is
// not an error, so a bare `fabric-router` starts with the development
// configuration.
//
// # Configuration File
//
// Router default locations (in order):
//
//  1. Path from FABRIC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fabric/router.yaml
//  3. ~/.config/fabric/router.yaml
//
// Agents read the -config flag, then the FABRIC_AGENT_CONFIG environment
// variable, then fall back to defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  listen_addr: "${FABRIC_LISTEN_ADDR}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
package config
