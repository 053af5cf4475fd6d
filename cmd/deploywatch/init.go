package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/version"
)

var v *viper.Viper

//nolint:gochecknoinit
func init() {
	rootCmd.Version = version.Version
	registerConfig()
}

func bindFlag(flags *pflag.FlagSet, key, name, usage string) {
	flags.String(name, "", usage)
	_ = v.BindPFlag(key, flags.Lookup(name))
}

func registerConfig() {
	v = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_")))
	v.SetEnvPrefix("DEPLOYWATCH")
	v.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	bindFlag(flags, "config_file", "config", "path to the configuration file")
	bindFlag(flags, "log.level", "log-level", "log level (trace/debug/info/warn/error/fatal)")
	bindFlag(flags, "aws.region", "region", "AWS region override")
}
