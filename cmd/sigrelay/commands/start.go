// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0ot/sigrelay/pkg/logging"
	"github.com/n0ot/sigrelay/pkg/metrics"
	"github.com/n0ot/sigrelay/pkg/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// defaultBind listens on port 8000 on all interfaces.
const defaultBind = ":8000"

var disableTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the sigrelay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", defaultBind, "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	viper.BindPFlag("log.level", startCmd.Flags().Lookup("log-level"))
	startCmd.Flags().String("log-file", "console", "File to write logs to, rotated as it grows (\"console\" logs to stderr)")
	viper.BindPFlag("log.file", startCmd.Flags().Lookup("log-file"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.path", "/")
	viper.SetDefault("server.maxMessageSize", 64*1024)
	viper.SetDefault("server.sendQueueSize", 32)
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("server.metrics", true)
	viper.SetDefault("log.format", "text")
	viper.SetDefault("tls.useTls", false)
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		File:   os.ExpandEnv(viper.GetString("log.file")),
	})
	if err != nil {
		return errors.Wrap(err, "Configure logging")
	}

	srv := newServer(log)

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		shutdownOnSignal(srv, sigs, log)
	}()

	log.Info("Starting sigrelay")
	if useTLS && !disableTLS {
		err = srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
	} else {
		err = srv.ListenAndServe(bindAddr)
	}
	if err != nil {
		return err
	}

	// Serve returns as soon as Shutdown closes the listener; wait for the clients to be disconnected.
	<-shutdownDone
	return nil
}

// newServer configures a server from the server.* config options.
// server.timeBetweenPings is a whole number of seconds.
func newServer(log *logrus.Logger) *server.Server {
	srv := &server.Server{
		TimeBetweenPings:  time.Duration(viper.GetInt("server.timeBetweenPings")) * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		Path:              viper.GetString("server.path"),
		MaxMessageSize:    viper.GetInt64("server.maxMessageSize"),
		SendQueueSize:     viper.GetInt("server.sendQueueSize"),
		StatsPassword:     viper.GetString("server.statsPassword"),
		AllowedOrigins:    viper.GetStringSlice("server.allowedOrigins"),
		Log:               log,
	}
	if viper.GetBool("server.metrics") {
		srv.Metrics = metrics.NewRegistry()
	}
	return srv
}

// shutdownOnSignal stops srv after the first signal received on sigs.
func shutdownOnSignal(srv *server.Server, sigs <-chan os.Signal, log *logrus.Logger) {
	sig := <-sigs

	log.WithField("signal", sig.String()).Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("Error shutting down")
	}
}
