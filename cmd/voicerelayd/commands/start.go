// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/n0ot/voicerelayd/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var useTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the signaling relay",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().IntP("port", "p", 3001, "Port to listen on")
	viper.BindPFlag("server.port", startCmd.Flags().Lookup("port"))
	viper.BindEnv("server.port", "SIGNALING_SERVER_PORT", "PORT")
	startCmd.Flags().String("host", "", "Host to bind to. Leave empty to bind to all interfaces.")
	viper.BindPFlag("server.host", startCmd.Flags().Lookup("host"))
	viper.BindEnv("server.host", "VOICERELAYD_HOST")
	startCmd.Flags().String("cors-origin", "*", "Origin allowed to call the HTTP endpoints")
	viper.BindPFlag("server.corsOrigin", startCmd.Flags().Lookup("cors-origin"))
	viper.BindEnv("server.corsOrigin", "CORS_ORIGIN")
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().Int("pings-until-timeout", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().BoolVar(&useTLS, "tls", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.maxMessageSize", 64*1024)
	viper.SetDefault("server.sendBuffer", 64)
	viper.SetDefault("tls.useTls", false)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	log.Level = logrus.InfoLevel
	if level, err := logrus.ParseLevel(viper.GetString("log.level")); err == nil {
		log.Level = level
	} else {
		log.WithField("error", err).Warn("Unknown log level; using info")
	}
	return log
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()

	srv := &server.Server{
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings") * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		MaxMessageSize:    viper.GetInt64("server.maxMessageSize"),
		SendBuffer:        viper.GetInt("server.sendBuffer"),
		CORSOrigin:        viper.GetString("server.corsOrigin"),
		Log:               log,
	}

	bindAddr := net.JoinHostPort(viper.GetString("server.host"), strconv.Itoa(viper.GetInt("server.port")))
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("version", Version).Info("Starting VoiceRelayd")
	if useTLS || viper.GetBool("tls.useTls") {
		return srv.ListenAndServeTLS(ctx, bindAddr, certFile, keyFile)
	}
	return srv.ListenAndServe(ctx, bindAddr)
}
