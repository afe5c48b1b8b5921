// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/voxlink/voxlink/cmd/voxlink/cli"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/transport"
)

type pairParams struct {
	cli.JSONOutput
	cli.Verbosity
	Address     string        `flag:"address,a" desc:"agent session address (host:port)"`
	Fingerprint string        `flag:"fingerprint" desc:"agent CA fingerprint shown with the code; empty trusts on first use"`
	Name        string        `flag:"name" desc:"device name shown to the operator (default: hostname)"`
	Home        string        `flag:"home" desc:"identity directory (default: $VOXLINK_HOME or the user config directory)"`
	Timeout     time.Duration `flag:"timeout" desc:"handshake timeout" default:"10s"`
}

type pairOutput struct {
	DeviceID      string    `json:"device_id"`
	DeviceName    string    `json:"device_name"`
	Address       string    `json:"address"`
	CAFingerprint string    `json:"ca_fingerprint"`
	NotAfter      time.Time `json:"not_after"`
	Directory     string    `json:"directory"`
}

func pairCommand() *cli.Command {
	var params pairParams
	return &cli.Command{
		Name:    "pair",
		Summary: "Enroll this device with an agent",
		Description: `Exchange a one-time pairing code for a device certificate.

The operator creates the code on the agent host with 'voxlink admin
ticket', which also prints the agent's CA fingerprint. Passing that
fingerprint here refuses any agent that does not present it.`,
		Usage: "voxlink pair --address HOST:PORT [flags] CODE",
		Examples: []cli.Example{
			{
				Description: "Pair with the code and fingerprint read out by the operator",
				Command:     "voxlink pair --address studio.lan:8765 --fingerprint 3f:a2:... 482913",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("pair", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			params.Apply()
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one pairing code")
			}
			if params.Address == "" {
				return fmt.Errorf("--address is required")
			}
			return runPair(ctx, params, args[0], logger)
		},
	}
}

func runPair(ctx context.Context, params pairParams, code string, logger *slog.Logger) error {
	dir := params.Home
	if dir == "" {
		dir = defaultIdentityDir()
	}
	name := params.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--name is required: %w", err)
		}
		name = hostname
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating device key: %w", err)
	}

	logger.Debug("pairing", "address", params.Address, "device_name", name, "pinned", params.Fingerprint != "")
	result, err := transport.Pair(ctx, transport.PairRequest{
		Address:          params.Address,
		Code:             code,
		DeviceName:       name,
		Key:              key,
		CAFingerprint:    params.Fingerprint,
		HandshakeTimeout: params.Timeout,
	})
	if err != nil {
		return fmt.Errorf("pairing with %s: %w", params.Address, err)
	}

	identity := Identity{
		DeviceID:      result.DeviceID,
		DeviceName:    name,
		Address:       params.Address,
		ServerName:    serverNameFor(params.Address),
		CAFingerprint: protocol.Fingerprint(result.CACertificate.Raw),
	}
	if previous, err := loadIdentity(dir); err == nil {
		identity.MAC = previous.MAC
		identity.Broadcast = previous.Broadcast
		identity.StatusURL = previous.StatusURL
	}
	if err := saveIdentity(dir, identity, key, result); err != nil {
		return err
	}
	logger.Info("paired", "device_id", identity.DeviceID, "directory", dir)

	output := pairOutput{
		DeviceID:      identity.DeviceID,
		DeviceName:    identity.DeviceName,
		Address:       identity.Address,
		CAFingerprint: identity.CAFingerprint,
		NotAfter:      result.Certificate.NotAfter,
		Directory:     dir,
	}
	if done, err := params.EmitJSON(output); done {
		return err
	}
	printer := cli.NewPrinter(os.Stdout)
	printer.Printf("%s\n", printer.Styled(cli.ToneGood, "Paired."))
	printer.Fields(
		"Device", fmt.Sprintf("%s (%s)", output.DeviceName, output.DeviceID),
		"Agent", output.Address,
		"CA fingerprint", output.CAFingerprint,
		"Valid until", output.NotAfter.Local().Format(time.DateTime),
		"Saved to", output.Directory,
	)
	return nil
}
