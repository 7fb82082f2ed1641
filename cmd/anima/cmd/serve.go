package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/anima/internal/api"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Run the supervisor: one wake scheduler per registered project plus the
control API.

Examples:
  # Start with defaults (API on 127.0.0.1:7411)
  anima serve

  # Custom listen address
  anima serve --listen 127.0.0.1:9000

  # Supervisor only, no HTTP API
  anima serve --no-api`,
	RunE: runServe,
}

var (
	serveListen string
	serveNoAPI  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "",
		"API listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false,
		"run without the HTTP API")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stdout,
	})

	app, err := loadAppConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		app.API.Listen = serveListen
	}
	if serveNoAPI {
		app.API.Enabled = false
	}

	sup, err := supervisor.New(app, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if app.API.Enabled {
		server := api.NewServer(sup, api.WithLogger(logger))
		g.Go(func() error {
			return server.ListenAndServe(gctx, app.API.Listen)
		})
	}
	return g.Wait()
}
