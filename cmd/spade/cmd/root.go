package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelreyna/spade/internal/logging"
	"github.com/raphaelreyna/spade/internal/telemetry"
	"github.com/raphaelreyna/spade/pkg/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	configFile string
	verbose    bool
)

var RootCmd = &cobra.Command{
	Use:     "spade [flags]",
	Version: version,
	Short:   "A small HTTP server for static files and CGI programs.",
	Long: `Start an HTTP server which serves files from a document root and runs
executables for dynamic routes following the CGI contract.

Every connection carries exactly one request and is closed after the response.
Routes are read from the configuration file (default: config/spade.yaml).
Any setting can also be given as an environment variable prefixed with SPADE_,
e.g. SPADE_PORT=8081.
`,
	SilenceUsage: true,
	RunE:         run,
}

func SetFlags() {
	RootCmd.Flags().StringVarP(&configFile, "config", "c", "", `Configuration file to read.
Defaults to config/spade.yaml, which may be absent.`,
	)
	RootCmd.Flags().IntP("port", "p", 8080, "Port to bind to. Overrides the configuration file.")
	RootCmd.Flags().StringP("static", "s", "static", `Document root for the "/" route. Overrides the configuration file.`)
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level.")

	setProbeFlags()
	RootCmd.AddCommand(probeCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Source{
		File:     configFile,
		Required: configFile != "",
		Flags:    cmd.Flags(),
	})
	if err != nil {
		return err
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Trace.Exporter, os.Stdout, "spade", version)
	if err != nil {
		return err
	}
	defer func() {
		err := shutdown(context.Background())
		if err != nil {
			log.Warn("failed to flush spans", zap.Error(err))
		}
	}()

	s, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.ListenAndServe(ctx)
}

func Execute() {
	SetFlags()
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
