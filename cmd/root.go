package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"

	"github.com/Infinibay/backend-sub001/config"
	"github.com/Infinibay/backend-sub001/firewall"
	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/database"
	"github.com/Infinibay/backend-sub001/loggers/cli"
	"github.com/Infinibay/backend-sub001/router"
	"github.com/Infinibay/backend-sub001/system"
)

var (
	configPath = config.DefaultLocation
	debug      = false
)

var rootCommand = &cobra.Command{
	Use:   "infinibay",
	Short: "Runs the Infinibay node daemon: machine firewall policy enforcement against libvirt.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
		if debug {
			config.SetDebugViaFlag(true)
		}
	},
	Run: rootCmdRun,
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Prints the current version of this daemon.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(system.Version)
	},
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "run in debug mode")

	rootCommand.AddCommand(versionCommand)
	rootCommand.AddCommand(newReconcileCommand())
	rootCommand.AddCommand(newDiagnosticsCommand())
}

// Execute runs the root command.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if err := config.FromFile(configPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log2stderr("failed to load configuration: " + err.Error())
			os.Exit(1)
		}
		c, err := config.NewAtPath(configPath)
		if err != nil {
			log2stderr("failed to build default configuration: " + err.Error())
			os.Exit(1)
		}
		config.Set(c)
	}
}

func initLogging() {
	c := config.Get()
	if err := config.ConfigureDirectories(); err != nil {
		log2stderr("failed to create daemon directories: " + err.Error())
		os.Exit(1)
	}

	p := filepath.Join(c.System.LogDirectory, "infinibay.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		log2stderr("failed to open log file " + p + ": " + err.Error())
		os.Exit(1)
	}

	log.SetLevel(log.InfoLevel)
	if c.Debug || debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetHandler(multi.New(cli.Default, cli.New(w, false)))
	log.WithField("path", p).Info("writing log files to disk")
}

func log2stderr(msg string) {
	fmt.Fprintln(os.Stderr, msg)
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	c := config.Get()
	log.WithField("version", system.Version).Info("starting Infinibay node daemon")

	if err := database.Initialize(); err != nil {
		log.WithField("error", err).Fatal("failed to initialize database")
	}

	hv := hypervisor.NewLibvirtClient(
		c.Hypervisor.Socket,
		time.Duration(c.Hypervisor.TimeoutSeconds)*time.Second,
	)
	svc := firewall.NewService(database.Instance(), hv)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reconciler := firewall.NewReconciler(
		svc,
		time.Duration(c.Hypervisor.ReconcileInterval)*time.Minute,
		c.Hypervisor.ReconcileWorkers,
	)
	// The daemon still serves requests when libvirt is down at boot; the
	// periodic job picks the node back up once the socket appears.
	go func() {
		if err := reconciler.Start(ctx); err != nil {
			log.WithField("error", err).Warn("initial filter reconciliation did not complete")
		}
	}()
	defer reconciler.Stop()

	addr := fmt.Sprintf("%s:%d", c.Api.Host, c.Api.Port)
	log.WithField("address", addr).Info("configuring internal webserver")

	s := &http.Server{
		Addr:              addr,
		Handler:           router.Configure(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("error", err).Fatal("failed to run internal webserver")
	}
}
