// Package config re-exports the shared loader from pkg/config for the CLI
// binaries, which resolve their YAML files relative to this directory.
package config

import (
	pkgconfig "datamesh-network/pkg/config"
)

// AppConfig is the configuration the CLI commands run against.
var AppConfig pkgconfig.Config

// LoadConfig loads the default configuration plus the named environment
// overlay into AppConfig. CLI startup has nothing sensible to do on a
// broken config, so failures panic.
func LoadConfig(env string) {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		panic(err)
	}
	AppConfig = *cfg
}
