package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/user/attengine/logger"
)

var (
	flgOutput    = cli.StringFlag{Name: "output, o", Value: "scenario.json", Usage: "Output scenario file"}
	flgTransport = cli.StringFlag{Name: "transport, t", Value: "le", Usage: "Bearer to run over (le / bredr)"}
	flgLatency   = cli.DurationFlag{Name: "latency, l", Value: 5 * time.Millisecond, Usage: "Maximum simulated one-way latency"}
	flgTrace     = cli.BoolFlag{Name: "trace", Usage: "Record every ATT PDU under the data directory"}
	flgReport    = cli.BoolTFlag{Name: "report", Usage: "Print the scenario report"}
	flgDataDir   = cli.StringFlag{Name: "data-dir", Usage: "Data directory holding trace/ (default $ATT_ENGINE_DIR or ~/.attengine-data)"}
)

func main() {
	app := cli.NewApp()

	app.Name = "attengine"
	app.Usage = "Drive and inspect the ATT engine over a simulated link"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "trace / debug / info / warn / error",
			EnvVar: "ATT_LOG_LEVEL",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "demo",
			Usage:  "Connect two engines and exchange a few PDUs",
			Action: demo,
			Flags:  []cli.Flag{flgTransport, flgLatency, flgTrace},
		},
		{
			Name:      "replay",
			Aliases:   []string{"r"},
			Usage:     "Run a scenario file and check its assertions",
			ArgsUsage: "<scenario.json>",
			Action:    replay,
			Flags:     []cli.Flag{flgReport},
		},
		{
			Name:      "decode",
			Aliases:   []string{"d"},
			Usage:     "Decode a hex ATT PDU",
			ArgsUsage: "<hex>",
			Action:    decode,
		},
		{
			Name:      "trace",
			Usage:     "Print a PDU trace file",
			ArgsUsage: "<att_packets.jsonl>",
			Action:    showTrace,
		},
		{
			Name:      "trace2scenario",
			Usage:     "Turn a PDU trace into a replayable scenario",
			ArgsUsage: "<att_packets.jsonl>",
			Action:    traceToScenario,
			Flags:     []cli.Flag{flgOutput},
		},
		{
			Name:   "report",
			Usage:  "Summarize every engine trace under the data directory",
			Action: report,
			Flags:  []cli.Flag{flgDataDir},
		},
	}

	app.Before = func(c *cli.Context) error {
		logger.SetLevel(logger.ParseLevel(c.String("log-level")))
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "attengine: %v\n", err)
		os.Exit(1)
	}
}
