package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/cmd/flags"
	"github.com/ruteri/mpc-relay/common"
	"github.com/ruteri/mpc-relay/httpserver"
	"github.com/ruteri/mpc-relay/relay"
	"github.com/urfave/cli/v2"
)

const archiveDrainTimeout = 10 * time.Second

var splitSecretCommand = &cli.Command{
	Name:  "split-secret",
	Usage: "Generate a resume secret and print it as Shamir shares, one per line",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "shares", Value: 3, Usage: "number of shares to produce"},
		&cli.IntFlag{Name: "threshold", Value: 2, Usage: "shares needed to reconstruct the secret"},
	},
	Action: func(cCtx *cli.Context) error {
		secret, err := auth.RandomSecret()
		if err != nil {
			return err
		}
		shares, err := auth.SplitSecret(secret, cCtx.Int("shares"), cCtx.Int("threshold"))
		if err != nil {
			return err
		}
		for _, share := range shares {
			fmt.Fprintln(cCtx.App.Writer, share)
		}
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:    "mpc-relay",
		Usage:   "Relay and coordinate messages between MPC parties",
		Version: common.Version,
		Flags: append(append([]cli.Flag{
			flags.LogServiceFlagFn(common.PackageName),
		}, flags.CommonFlags...), flags.RelayFlags...),
		Commands: []*cli.Command{splitSecretCommand},
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.RelayConfig(cCtx)
			if err != nil {
				logger.Error("Invalid relay configuration", "err", err)
				return err
			}

			secret, err := flags.ResumeSecret(cCtx, logger)
			if err != nil {
				logger.Error("Invalid resume secret", "err", err)
				return err
			}
			authn, err := auth.NewAuthenticator(secret, cfg.NonceTTL, cfg.IdleTimeout)
			if err != nil {
				logger.Error("Failed to create authenticator", "err", err)
				return err
			}

			operators, err := flags.Operators(cCtx)
			if err != nil {
				logger.Error("Invalid operator list", "err", err)
				return err
			}

			archiver, err := flags.Archiver(cCtx, logger)
			if err != nil {
				logger.Error("Invalid archive configuration", "err", err)
				return err
			}

			routerOpts := []relay.Option{relay.WithPartyNormalizer(auth.CanonicalParty)}
			if archiver != nil {
				routerOpts = append(routerOpts, relay.WithSessionEndedHook(archiver.SessionEnded))
			}
			router := relay.NewRouter(cfg, logger, routerOpts...)
			handler := httpserver.NewHandler(authn, router, logger)
			admin := httpserver.NewAdminHandler(router, operators, logger, httpserver.WithArchive(archiver))
			if cCtx.String(flags.AdminAddrFlag.Name) != "" && len(operators) == 0 {
				logger.Warn("Admin API enabled without operators, requests are not authenticated")
			}

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler, admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting relay",
				"queueSize", cfg.QueueSize,
				"formingTimeout", cfg.FormingTimeout,
				"idleTimeout", cfg.IdleTimeout,
				"reorderWindow", cfg.ReorderWindow)
			server.RunInBackground()

			archiveCtx, stopArchive := context.WithCancel(context.Background())
			archiveDone := make(chan struct{})
			go func() {
				defer close(archiveDone)
				if archiver != nil {
					archiver.Run(archiveCtx, archiveDrainTimeout)
				}
			}()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()

			// Flush records still queued for the archive.
			stopArchive()
			<-archiveDone
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
