package config

// Package config provides a reusable loader for datamesh configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"datamesh-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a datamesh peer. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr"`
		ConnectAddr  string `mapstructure:"connect_addr" json:"connect_addr"`
		Region       string `mapstructure:"region" json:"region"`
		Jurisdiction string `mapstructure:"jurisdiction" json:"jurisdiction"`
		AppVersion   string `mapstructure:"app_version" json:"app_version"`

		// MaxClockSkewMS bounds the handshake clock difference; 0
		// disables the check.
		MaxClockSkewMS int `mapstructure:"max_clock_skew_ms" json:"max_clock_skew_ms"`
	} `mapstructure:"network" json:"network"`

	Permissions struct {
		// Preset is one of locked, default, permissive,
		// unchecked-permissive.
		Preset string `mapstructure:"preset" json:"preset"`

		// AllowNodeTypes narrows the preset's fetch whitelist; entries
		// are hex-encoded type prefixes.
		AllowNodeTypes []string `mapstructure:"allow_node_types" json:"allow_node_types"`
	} `mapstructure:"permissions" json:"permissions"`

	Keyring struct {
		// MnemonicEnv names the environment variable holding the BIP-39
		// phrase; the phrase itself never lives in a config file.
		MnemonicEnv string `mapstructure:"mnemonic_env" json:"mnemonic_env"`
		Account     uint32 `mapstructure:"account" json:"account"`
		Index       uint32 `mapstructure:"index" json:"index"`
	} `mapstructure:"keyring" json:"keyring"`

	AutoFetch struct {
		// RulesFile points to a YAML document of auto-fetch rules.
		RulesFile string `mapstructure:"rules_file" json:"rules_file"`

		BlobSizeMaxLimit int64 `mapstructure:"blob_size_max_limit" json:"blob_size_max_limit"`
	} `mapstructure:"autofetch" json:"autofetch"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DATAMESH_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DATAMESH_ENV", ""))
}
