// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/cmd/voxlink/cli"
	"github.com/voxlink/voxlink/wake"
)

// defaultStatusPort is the agent's readiness port when the identity
// does not name a status URL.
const defaultStatusPort = "8766"

type wakeParams struct {
	cli.JSONOutput
	cli.Verbosity
	MAC       string        `flag:"mac" desc:"MAC address of the host to wake"`
	Broadcast string        `flag:"broadcast" desc:"broadcast address (default: 255.255.255.255)"`
	Directed  string        `flag:"directed" desc:"any IPv4 address on the host's /24; sends to that subnet's broadcast"`
	Port      int           `flag:"port" desc:"UDP port" default:"9"`
	Repeat    int           `flag:"repeat" desc:"copies of the magic packet" default:"3"`
	StatusURL string        `flag:"status-url" desc:"agent readiness endpoint base URL (default: derived from the paired address)"`
	Timeout   time.Duration `flag:"timeout" desc:"how long to wait for the agent to report ready" default:"15s"`
	NoWait    bool          `flag:"no-wait" desc:"send the packet and exit without polling readiness"`
	Save      bool          `flag:"save" desc:"remember --mac, --broadcast and --status-url in the identity"`
	Home      string        `flag:"home" desc:"identity directory (default: $VOXLINK_HOME or the user config directory)"`
}

type wakeOutput struct {
	MAC         string  `json:"mac"`
	Destination string  `json:"destination"`
	Copies      int     `json:"copies"`
	StatusURL   string  `json:"status_url,omitempty"`
	Ready       *bool   `json:"ready,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
}

func wakeCommand() *cli.Command {
	var params wakeParams
	return &cli.Command{
		Name:    "wake",
		Summary: "Wake the agent's host and wait until it is ready",
		Description: `Broadcast a Wake-on-LAN magic packet, then poll the agent's /status
endpoint until it reports ready or --timeout passes.

Exits 2 when the packet was sent but the agent never reported ready.
Delivery of the packet itself cannot be confirmed.`,
		Examples: []cli.Example{
			{
				Description: "Wake the paired host and remember its MAC",
				Command:     "voxlink wake --mac 00:11:22:33:44:55 --save",
			},
			{
				Description: "Wake a host on another subnet through a router",
				Command:     "voxlink wake --mac 00:11:22:33:44:55 --directed 10.2.7.40 --no-wait",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("wake", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			params.Apply()
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			return runWake(ctx, params, logger)
		},
	}
}

// wakeTarget merges flags over the saved identity.
func wakeTarget(params wakeParams, identity Identity) (wake.Target, string, error) {
	mac := params.MAC
	if mac == "" {
		mac = identity.MAC
	}
	if mac == "" {
		return wake.Target{}, "", errors.New("--mac is required (no MAC saved in the identity)")
	}

	broadcast := params.Broadcast
	if params.Directed != "" {
		directed, err := wake.DirectedBroadcast(params.Directed)
		if err != nil {
			return wake.Target{}, "", err
		}
		broadcast = directed
	}
	if broadcast == "" {
		broadcast = identity.Broadcast
	}

	statusURL := params.StatusURL
	if statusURL == "" {
		statusURL = identity.StatusURL
	}
	if statusURL == "" && identity.Address != "" {
		statusURL = "http://" + net.JoinHostPort(serverNameFor(identity.Address), defaultStatusPort)
	}
	return wake.Target{MAC: mac, Broadcast: broadcast, Port: params.Port}, statusURL, nil
}

func runWake(ctx context.Context, params wakeParams, logger *slog.Logger) error {
	dir := params.Home
	if dir == "" {
		dir = defaultIdentityDir()
	}
	identity, err := loadIdentity(dir)
	if err != nil && !errors.Is(err, errNotPaired) {
		return err
	}

	target, statusURL, err := wakeTarget(params, identity)
	if err != nil {
		return err
	}

	waker := wake.NewWaker(wake.Config{
		Repeat: params.Repeat,
		Logger: logger,
		Audit:  audit.NewLogSink(logger),
	})
	copies, err := waker.Wake(ctx, target)
	if err != nil {
		return err
	}

	if params.Save {
		if identity.DeviceID == "" {
			return errNotPaired
		}
		identity.MAC = target.MAC
		identity.Broadcast = target.Broadcast
		identity.StatusURL = statusURL
		if err := writeIdentity(dir, identity); err != nil {
			return err
		}
	}

	destination := target.Broadcast
	if destination == "" {
		destination = net.IPv4bcast.String()
	}
	output := wakeOutput{
		MAC:         target.MAC,
		Destination: net.JoinHostPort(destination, fmt.Sprint(target.Port)),
		Copies:      copies,
		StatusURL:   statusURL,
	}

	printer := cli.NewPrinter(os.Stdout)
	if params.NoWait || statusURL == "" {
		if done, err := params.EmitJSON(output); done {
			return err
		}
		printer.Printf("Sent %d magic packets to %s for %s.\n", copies, output.Destination, output.MAC)
		return nil
	}

	if !params.OutputJSON {
		printer.Printf("Sent %d magic packets for %s; waiting for %s ...\n", copies, output.MAC, statusURL)
	}
	started := time.Now()
	ready, err := wake.NewPoller().AwaitReady(ctx, statusURL, params.Timeout)
	if err != nil {
		return err
	}
	output.Ready = &ready
	output.WaitSeconds = time.Since(started).Seconds()

	if done, err := params.EmitJSON(output); done {
		if err == nil && !ready {
			return &cli.ExitError{Code: 2}
		}
		return err
	}
	if !ready {
		printer.Printf("%s agent did not report ready within %s\n", printer.Styled(cli.ToneBad, "Not ready:"), params.Timeout)
		return &cli.ExitError{Code: 2}
	}
	printer.Printf("%s agent ready after %.1fs\n", printer.Styled(cli.ToneGood, "Ready:"), output.WaitSeconds)
	return nil
}
