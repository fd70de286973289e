// Package config loads the escrowd YAML configuration, applies defaults and
// environment overrides, and validates addresses before anything is wired.
package config
