// Package config provides configuration loading and validation for the
// consultation capture agent. YAML files are layered over built-in
// defaults and every section is validated before use.
package config
