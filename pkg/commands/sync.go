package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type syncCmd struct{}

// Execute runs one sync cycle from the command line and waits for it to
// reach a terminal state.
func (s *syncCmd) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "sync")

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	_, _, orch, err := buildEngine(ctx, log, c, cfg)
	if err != nil {
		return err
	}

	cycleID, err := orch.Start(ctx, cfg.TLDs)
	if err != nil {
		return err
	}
	log.WithField("cycle", cycleID).Info("sync cycle started")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			orch.Cancel(cycleID)
			done = nil
		case <-ticker.C:
		}

		snap, ok := orch.Status(cycleID)
		if !ok {
			return fmt.Errorf("cycle %s disappeared", cycleID)
		}
		if !snap.Status.Terminal() {
			continue
		}

		log.WithFields(logrus.Fields{
			"status":  snap.Status,
			"tlds":    snap.TLDsDone,
			"domains": snap.TotalDomains,
		}).Info(snap.Message)

		for _, p := range snap.TLDs {
			entry := log.WithFields(logrus.Fields{
				"tld":      p.TLD,
				"phase":    p.Phase,
				"inserted": p.Inserted,
				"updated":  p.Updated,
			})
			if p.Error != "" {
				entry.Error(p.Error)
			} else {
				entry.Info("tld result")
			}
		}

		if snap.Status != model.CycleStatusCompleted && snap.Status != model.CycleStatusPartial {
			return fmt.Errorf("sync cycle %s: %s", cycleID, snap.Status)
		}
		return nil
	}
}

func syncCommand() *cli.Command {
	cmd := syncCmd{}

	return &cli.Command{
		Name:   "sync",
		Usage:  "run a single sync cycle and exit",
		Action: cmd.Execute,
		Flags:  append(engineFlags(), GlobalFlags()...),
		Before: Before,
	}
}
