package commands

import (
	"context"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/apiserver"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/schedule"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/version"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/whois"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type serveCmd struct{}

func (s *serveCmd) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "serve")

	log.Infof("version: %v", version.Get())

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	database, client, orch, err := buildEngine(ctx, log, c, cfg)
	if err != nil {
		return err
	}

	whoisSvc := whois.New(cfg.WhoisEnabled, cfg.WhoisRateLimit)

	sched := schedule.New(log, orch, cfg.ScheduleHours, cfg.TLDs)
	go sched.Start(ctx.Done())

	h := apiserver.NewHandler(orch, database, client, whoisSvc, sched)
	server := apiserver.NewAPIServer(ctx, log, cfg.Port)

	return server.Start(h, cfg.AdminTokenHash)
}

func serveCommand() *cli.Command {
	cmd := serveCmd{}

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port for the HTTP server",
			EnvVars: []string{"ZONE_PORT", "PORT"},
			Value:   8000,
		},
		&cli.StringFlag{
			Name:    "schedule-hours",
			Usage:   "Comma separated hours of the day to trigger a sync, e.g. 0,12",
			EnvVars: []string{"ZONE_SCHEDULE_HOURS"},
			Value:   "0,12",
		},
		&cli.BoolFlag{
			Name:    "whois-enabled",
			Usage:   "Enable the whois enrichment endpoint",
			EnvVars: []string{"ZONE_WHOIS_ENABLED"},
		},
		&cli.IntFlag{
			Name:    "whois-rate-limit",
			Usage:   "Whois queries per second",
			EnvVars: []string{"ZONE_WHOIS_RATE_LIMIT"},
			Value:   5,
		},
		&cli.StringFlag{
			Name:    "admin-token-hash",
			Usage:   "Bcrypt hash of the token required to trigger syncs; empty disables the check",
			EnvVars: []string{"ZONE_ADMIN_TOKEN_HASH"},
		},
	}

	return &cli.Command{
		Name:   "serve",
		Usage:  "run the zone collector api server and scheduler",
		Action: cmd.Execute,
		Flags:  append(append(flags, engineFlags()...), GlobalFlags()...),
		Before: Before,
	}
}
