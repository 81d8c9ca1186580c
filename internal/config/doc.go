// Package config loads the node configuration from a YAML file, expands
// ${VAR} references, overlays DACTP_* environment variables and validates the
// result before any backend is opened.
package config
