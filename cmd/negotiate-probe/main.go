// negotiate-probe connects to a tablet server, negotiates the connection,
// and prints the negotiated policy.
//
// Usage:
//
//	negotiate-probe --config client.yaml --address tserver-1:7050,tserver-2
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/bbockelm/tabletrpc/client"
	"github.com/bbockelm/tabletrpc/config"
	"github.com/bbockelm/tabletrpc/metrics"
)

func main() {
	app := &cli.App{
		Name:  "negotiate-probe",
		Usage: "Negotiate a connection with a tablet server and print the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"TABLETRPC_CONFIG"},
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "comma-separated list of host[:port]",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log every negotiation step",
			},
		},
		Action: probe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func probe(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Loaded configuration", "mechanisms", cfg.Mechanisms, "plain", cfg.Plain)

	collector := metrics.New()
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	cl, err := client.NewFromConfig(cfg, c.String("address"), logger, collector)
	if err != nil {
		return err
	}
	if err := cl.ConnectAndNegotiate(context.Background()); err != nil {
		return err
	}
	defer func() {
		if err := cl.Close(); err != nil {
			logger.Warn("Error closing connection", "error", err)
		}
	}()

	ad, err := cl.GetResult().PolicyAd()
	if err != nil {
		return fmt.Errorf("failed to render negotiated policy: %w", err)
	}
	fmt.Println(ad.String())
	return nil
}
