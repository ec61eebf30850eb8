// Package cli wires kubef's core components into an urfave/cli
// application: argument parsing, logging setup, and graceful
// shutdown on interrupt.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kubef-dev/kubef/internal/kube"
)

// Version is set by the build via -ldflags; "dev" otherwise.
var Version = "dev"

// New builds the top-level kubef command.
func New() *cli.App {
	log := logrus.New()

	app := &cli.App{
		Name:    "kubef",
		Usage:   "forward local sockets to pods in a Kubernetes cluster",
		Version: Version,
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(envOr("KUBEF_LOG", "info"))
			if err != nil {
				return fmt.Errorf("invalid KUBEF_LOG level: %w", err)
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			newForwardCommand(log),
			newProxyCommand(log),
			newSchemaCommand(log),
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() == 0 {
				return cli.ShowAppHelp(c)
			}
			// positional shorthand: `kubef <target>` == `kubef forward -t <target>`
			return runForward(c.Context, log, c.Args().First(), "")
		},
	}

	return app
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// notifyShutdown returns a channel that receives SIGINT/SIGTERM along
// with a function to stop listening once the caller is done.
func notifyShutdown() (<-chan os.Signal, func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	return sig, func() { signal.Stop(sig) }
}

// newClientPool builds a fresh client pool for one command run. Each
// CLI run is its own process, so the pool is not a cross-invocation
// cache, just a convenience for ForwardAll wiring multiple resources
// against the same default/context client.
func newClientPool() *kube.Pool {
	return kube.NewPool()
}
