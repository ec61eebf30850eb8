package cli

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kubef-dev/kubef/internal/config"
)

func newSchemaCommand(_ logrus.FieldLogger) *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "print the JSON Schema for the config file",
		Action: func(c *cli.Context) error {
			out, err := json.MarshalIndent(config.GenerateSchema(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
