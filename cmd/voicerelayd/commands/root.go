// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "voicerelayd",
	Short: "WebRTC signaling relay for voice rooms",
	Long: `VoiceRelayd brokers WebRTC signaling between the members of voice rooms.

Clients connect over a websocket, join a room, and exchange offers, answers
and ICE candidates with everyone else in it. Media never passes through
the relay.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/voicerelayd)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindEnv("log.level", "VOICERELAYD_LOG_LEVEL")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	explicit := cfgDir != ""
	if !explicit {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/voicerelayd
		cfgDir = path.Join(home, ".config", "voicerelayd")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("voicerelayd")

	os.Setenv("CONFDIR", cfgDir)

	// The relay is usually configured from the environment alone,
	// so a missing config file is only an error if a directory was asked for.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || explicit {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
