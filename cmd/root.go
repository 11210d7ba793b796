package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/config"
	"rpcbridge/transport"
)

var Version = "dev"

var Commit = "none"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "rpcbridge",
	Short:   "rpcbridge: ROS 2 services and actions as Zenoh queryables",
	Version: fmt.Sprintf("%s (commit %s)", Version, Commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile != "" {
		return
	}
	// Pick up rpcbridge.yaml from the usual places when --config is absent.
	viper.SetConfigName("rpcbridge")
	viper.AddConfigPath(".")
	if home, _ := os.UserHomeDir(); home != "" {
		viper.AddConfigPath(filepath.Join(home, ".rpcbridge"))
	}
	viper.AddConfigPath("/etc/rpcbridge")
	if err := viper.ReadInConfig(); err == nil {
		cfgFile = viper.ConfigFileUsed()
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig merges the config file, RPCBRIDGE_* variables and bound flags.
func loadConfig() (config.Config, error) {
	return config.LoadViper(viper.GetViper(), cfgFile)
}

func codecType(name string) codec.CodecType {
	if strings.EqualFold(name, "json") {
		return codec.CodecTypeJSON
	}
	return codec.CodecTypeBinary
}

func dialSession(ep config.EndpointConfig, cfg config.Config, log *zap.Logger) (*transport.Session, error) {
	return transport.NewSession(ep.Endpoint, transport.Options{
		Codec:       codecType(ep.Codec),
		DialTimeout: cfg.Timeouts.Service,
		Logger:      log,
	})
}

// bindFlags binds the flags of cmd to config keys. Binding happens when cmd
// runs since several commands share keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
