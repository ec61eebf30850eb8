package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kubef-dev/kubef/internal/config"
	"github.com/kubef-dev/kubef/internal/forwarder"
)

func newForwardCommand(log logrus.FieldLogger) *cli.Command {
	return &cli.Command{
		Name:  "forward",
		Usage: "forward a named alias or group to a local socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Required: true},
			&cli.StringFlag{Name: "context", Aliases: []string{"c"}},
		},
		Action: func(c *cli.Context) error {
			return runForward(c.Context, log, c.String("target"), c.String("context"))
		},
	}
}

func runForward(ctx context.Context, log logrus.FieldLogger, target, kubeContext string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	resources, err := cfg.FindResources(target)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve target %q", target)
	}

	if path, pathErr := config.Path(); pathErr == nil {
		if closeWatch, watchErr := config.WatchForChanges(path, log); watchErr == nil {
			defer closeWatch()
		} else {
			log.WithError(watchErr).Debug("not watching config file for changes")
		}
	}

	fwd := forwarder.New(newClientPool(), log)
	fwd = fwd.WithContext(firstNonEmpty(kubeContext, cfg.Context))

	fwd, err = fwd.WithLoopback(cfg.Loopback)
	if err != nil {
		return err
	}

	if err := fwd.ForwardAll(ctx, resources); err != nil {
		return errors.Wrap(err, "failed to forward one or more resources")
	}

	printStatus(resources)

	sig, stop := notifyShutdown()
	defer stop()
	select {
	case <-sig:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	return fwd.Shutdown(context.Background())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
