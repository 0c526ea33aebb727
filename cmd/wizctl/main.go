package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	encodeJsonRaw    = "json-raw"
	encodeJsonPretty = "json"
	encodeYaml       = "yaml"
	encodeColumn     = "column"
)

// Version is set using ldflags at build time.
var Version = "dev"

func main() {
	app := &cli.App{
		Name:                 "wizctl",
		Usage:                "drives the WizSmith technician portal from a terminal",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "service-url",
				Value:   "http://localhost:8080",
				Usage:   "Portal API URL",
				EnvVars: []string{"WIZCTL_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Session token from `wizctl login`",
				EnvVars: []string{"WIZCTL_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "output",
				Value: encodeColumn,
				Usage: "Output format: json, json-raw, yaml, column (default columns)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Get the version of wizctl",
				Action: func(cCtx *cli.Context) error {
					fmt.Printf("version: %s\n", Version)
					return nil
				},
			},
			createLoginCommand(),
			createScanCommand(),
			createProvisionCommand(),
			createDiagnosticsCommand(),
			createLogsCommand(),
		},
	}
	sort.Slice(app.Commands, func(i, j int) bool {
		return app.Commands[i].Name < app.Commands[j].Name
	})

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mustCreateAPIClient(cCtx *cli.Context) *apiClient {
	return newAPIClient(cCtx.String("service-url"), cCtx.String("token"))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 10, 1, 5, ' ', 0)
}

// FormatOutput prints result in one of the structured formats. Column output
// is left to the caller.
func FormatOutput(format string, result interface{}) error {
	switch format {
	case encodeJsonPretty:
		bytes, err := json.MarshalIndent(result, "", "    ")
		if err != nil {
			return fmt.Errorf("failed to encode the ctl output: %w", err)
		}
		fmt.Println(string(bytes))
	case encodeJsonRaw:
		bytes, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode the ctl output: %w", err)
		}
		fmt.Println(string(bytes))
	case encodeYaml:
		bytes, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode the ctl output: %w", err)
		}
		fmt.Print(string(bytes))
	default:
		return fmt.Errorf("unknown format option: %s", format)
	}
	return nil
}
