// Package config loads the matryxd configuration from a YAML file.
// ${VAR_NAME} references are expanded from the environment before
// parsing, duration fields accept Go duration strings, and required
// fields are validated at load time.
package config
