// Command kubef forwards local sockets to pods inside a Kubernetes
// cluster.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kubef-dev/kubef/internal/cli"
)

func main() {
	if err := cli.New().Run(os.Args); err != nil {
		// logrus.Fatal logs once and exits with status 1
		logrus.Fatal(err)
	}
}
