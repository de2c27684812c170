package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/scenario"
	"github.com/user/attengine/testreport"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
)

func replay(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("usage: attengine replay <scenario.json>", 2)
	}

	s, err := scenario.LoadScenario(path)
	if err != nil {
		return errors.Wrap(err, "failed to load scenario")
	}

	fmt.Printf("=== Running Scenario: %s ===\n", s.Name)
	fmt.Printf("Description: %s\n", s.Description)
	fmt.Printf("Transport: %s\n", s.Transport)
	fmt.Printf("Events: %d\n", len(s.Timeline))
	fmt.Printf("Duration: %v\n\n", s.Duration())

	if problems := s.Validate(); len(problems) > 0 {
		fmt.Println("Scenario validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return cli.NewExitError("invalid scenario", 1)
	}

	runner, ok, err := scenario.RunScenario(s)
	if err != nil {
		return err
	}
	if c.BoolT("report") {
		runner.PrintReport(os.Stdout)
	}
	if !ok {
		return cli.NewExitError("scenario failed", 1)
	}
	fmt.Println("\nScenario passed")
	return nil
}

func decode(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("usage: attengine decode <hex>", 2)
	}
	return decodeHex(os.Stdout, strings.Join(c.Args(), ""))
}

// decodeHex prints the PDU in s as JSON
func decodeHex(w io.Writer, s string) error {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "bad hex")
	}
	if len(raw) == 0 {
		return errors.New("empty PDU")
	}
	pdu, err := att.Decode(raw)
	if err != nil {
		return errors.Wrapf(err, "%s (%d bytes)", att.OpcodeName(raw[0]), len(raw))
	}
	desc := debug.Describe(pdu)
	desc["kind"] = att.KindOf(raw[0]).String()
	fmt.Fprintln(w, logger.ToJSON(desc))
	return nil
}

func showTrace(c *cli.Context) error {
	records, err := readTrace(c.Args().First())
	if err != nil {
		return err
	}
	printTrace(os.Stdout, records)
	return nil
}

func readTrace(path string) ([]debug.Record, error) {
	if path == "" {
		return nil, cli.NewExitError("usage: attengine trace <att_packets.jsonl>", 2)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return debug.ReadRecords(f)
}

func printTrace(w io.Writer, records []debug.Record) {
	for _, rec := range records {
		name := "empty"
		detail := ""
		if len(rec.Raw) > 0 {
			name = att.OpcodeName(rec.Raw[0])
			if pdu, err := att.Decode(rec.Raw); err == nil {
				detail = summarize(debug.Describe(pdu))
			} else {
				detail = "decode error: " + err.Error()
			}
		}
		fmt.Fprintf(w, "%s %s %-6s h=%d %-28s %s\n",
			rec.Timestamp.Format("15:04:05.000"), rec.Direction, rec.Transport, rec.Handle, name, detail)
	}
}

// summarize flattens a description to key=value pairs, skipping the opcode
func summarize(desc map[string]interface{}) string {
	keys := make([]string, 0, len(desc))
	for k := range desc {
		if k != "opcode" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, desc[k]))
	}
	return strings.Join(parts, " ")
}

func traceToScenario(c *cli.Context) error {
	path := c.Args().First()
	records, err := readTrace(path)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s, err := scenario.FromTrace(name, records)
	if err != nil {
		return err
	}

	output := c.String("output")
	if err := s.Save(output); err != nil {
		return errors.Wrap(err, "failed to save scenario")
	}

	fmt.Printf("Scenario saved to %s\n", output)
	fmt.Printf("  Events: %d\n", len(s.Timeline))
	fmt.Printf("  Assertions: %d\n", len(s.Assertions))
	return nil
}

func report(c *cli.Context) error {
	path, err := testreport.Generate(c.String("data-dir"))
	if err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", path)
	return nil
}
