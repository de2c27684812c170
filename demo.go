package main

import (
	"encoding/hex"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/attengine/scenario"
)

// demoScenario has a central read, write and sign-write a peripheral that
// then notifies it
func demoScenario(transport string, latencyMs int, trace bool) *scenario.Scenario {
	return &scenario.Scenario{
		Name:        "demo",
		Description: "Two engines on one simulated link",
		Transport:   transport,
		Trace:       trace,
		Sim:         scenario.SimConfig{MinLatencyMs: 1, MaxLatencyMs: latencyMs, Seed: 1},
		Devices: []scenario.DeviceConfig{
			{ID: "central", Address: "a0:00:00:00:00:01"},
			{ID: "peripheral", Address: "b0:00:00:00:00:02", Attributes: map[string]string{
				"0x0003": hex.EncodeToString([]byte("attengine")),
				"0x0005": "00",
			}},
		},
		Timeline: []scenario.TimelineEvent{
			{TimeMs: 0, Action: scenario.ActionConnect, Device: "central"},
			{TimeMs: 200, Action: scenario.ActionRead, Device: "central", Handle: 0x0003},
			{TimeMs: 250, Action: scenario.ActionWrite, Device: "central", Handle: 0x0005, Value: "01"},
			{TimeMs: 300, Action: scenario.ActionSignedWrite, Device: "central", Handle: 0x0006, Text: "signed"},
			{TimeMs: 350, Action: scenario.ActionNotify, Device: "peripheral", Handle: 0x0003, Text: "hello"},
			{TimeMs: 450, Action: scenario.ActionDisconnect, Device: "central"},
		},
		Assertions: []scenario.Assertion{
			{Type: scenario.AssertionReadValue, Device: "central", Handle: 0x0003, Text: "attengine"},
			{Type: scenario.AssertionAttributeValue, Device: "peripheral", Handle: 0x0005, Value: "01"},
			{Type: scenario.AssertionAttributeValue, Device: "peripheral", Handle: 0x0006, Text: "signed"},
			{Type: scenario.AssertionNotified, Device: "central", Handle: 0x0003, Text: "hello"},
			{Type: scenario.AssertionDisconnected, Device: "central", Reason: "local disconnect"},
			{Type: scenario.AssertionDisconnected, Device: "peripheral", Reason: "peer disconnected"},
		},
	}
}

func demo(c *cli.Context) error {
	latency := int(c.Duration("latency").Milliseconds())
	if latency < 1 {
		latency = 1
	}
	transport := c.String("transport")
	if transport != "le" && transport != "bredr" {
		return cli.NewExitError("transport must be le or bredr", 2)
	}

	runner, ok, err := scenario.RunScenario(demoScenario(transport, latency, c.Bool("trace")))
	if err != nil {
		return errors.Wrap(err, "demo")
	}
	runner.PrintReport(os.Stdout)
	if !ok {
		return cli.NewExitError("demo failed", 1)
	}
	return nil
}
