// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads atls-verify's runtime configuration from a file,
// environment variables, and flags, in that increasing order of
// precedence, the layering github.com/spf13/viper is built for.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dstack-tee/atls-go/atlserr"
)

// Config is atls-verify's resolved configuration.
type Config struct {
	Addr          string        `mapstructure:"addr"`
	ServerName    string        `mapstructure:"server_name"`
	PolicyFile    string        `mapstructure:"policy_file"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	LogLevel      string        `mapstructure:"log_level"`
	PccsURL       string        `mapstructure:"pccs_url"`
	CacheURL      string        `mapstructure:"collateral_cache_url"`
	MetricsListen string        `mapstructure:"metrics_listen"`
}

// Load resolves a Config from cfgFile (if non-empty), environment
// variables prefixed ATLS_, and flags, with flags taking precedence.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("atls")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("dial_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "read config file "+cfgFile)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "unmarshal config")
	}
	return &cfg, nil
}
