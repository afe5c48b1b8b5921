// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/voxlink/voxlink/agent"
	"github.com/voxlink/voxlink/cmd/voxlink/cli"
	"github.com/voxlink/voxlink/lib/config"
	"github.com/voxlink/voxlink/lib/service"
	"github.com/voxlink/voxlink/pipeline"
)

// adminConnection locates the agent's admin socket. Embedded in every
// admin command's params.
type adminConnection struct {
	Socket string `flag:"socket" desc:"admin socket path (default: from --config, $VOXLINK_CONFIG, or the built-in default)"`
	Config string `flag:"config" desc:"agent configuration file to read the socket path from"`
}

// client resolves the socket path and returns a client for it.
func (c adminConnection) client() (*service.SocketClient, error) {
	path, err := c.socketPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w (no socket at %s)", errNoAdminSocket, path)
	}
	return service.NewSocketClient(path), nil
}

func (c adminConnection) socketPath() (string, error) {
	if c.Socket != "" {
		return c.Socket, nil
	}
	var (
		cfg *config.Config
		err error
	)
	switch {
	case c.Config != "":
		cfg, err = config.LoadFile(c.Config)
	case os.Getenv("VOXLINK_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return "", err
	}
	return cfg.Paths.AdminSocket, nil
}

var errNoAdminSocket = errors.New("agent admin socket not found; is voxlink-agent running on this host?")

type adminParams struct {
	cli.JSONOutput
	cli.Verbosity
	adminConnection
}

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:    "admin",
		Summary: "Operate the agent on this host",
		Description: `Manage pairing and devices through the agent's admin socket.

These commands run on the agent host as the user the agent runs as;
the socket refuses other users.`,
		Subcommands: []*cli.Command{
			adminTicketCommand(),
			adminCancelCommand(),
			adminDevicesCommand(),
			adminRevokeCommand(),
			adminStatusCommand(),
			adminAuditCommand(),
			adminVerifyAuditCommand(),
		},
	}
}

// adminRun wraps the shared setup of admin commands: verbosity, the
// argument count, and the socket client.
func adminRun(params *adminParams, args int, run func(ctx context.Context, client *service.SocketClient, args []string, logger *slog.Logger) error) func(context.Context, []string, *slog.Logger) error {
	return func(ctx context.Context, positional []string, logger *slog.Logger) error {
		params.Apply()
		if len(positional) != args {
			return fmt.Errorf("expected %d argument(s), got %d", args, len(positional))
		}
		client, err := params.client()
		if err != nil {
			return err
		}
		return run(ctx, client, positional, logger)
	}
}

func adminTicketCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "ticket",
		Summary: "Open a pairing window and print its code",
		Description: `Create a one-time pairing code. Read the code and the CA fingerprint
to the person holding the device; they pass both to 'voxlink pair'.
Only one pairing window is open at a time.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("ticket", &params) },
		Run: adminRun(&params, 0, func(ctx context.Context, client *service.SocketClient, _ []string, logger *slog.Logger) error {
			var ticket agent.TicketInfo
			if err := client.Call(ctx, agent.ActionCreatePairingTicket, nil, &ticket); err != nil {
				return err
			}
			logger.Debug("pairing ticket created", "ticket_id", ticket.TicketID)
			if done, err := params.EmitJSON(ticket); done {
				return err
			}
			printer := cli.NewPrinter(os.Stdout)
			printer.Fields(
				"Pairing code", printer.Styled(cli.ToneGood, ticket.Code),
				"CA fingerprint", ticket.CAFingerprint,
				"Expires", ticket.ExpiresAt.Local().Format(time.DateTime),
			)
			return nil
		}),
	}
}

func adminCancelCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "cancel",
		Summary: "Close the open pairing window",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("cancel", &params) },
		Run: adminRun(&params, 0, func(ctx context.Context, client *service.SocketClient, _ []string, _ *slog.Logger) error {
			if err := client.Call(ctx, agent.ActionCancelPairingTicket, nil, nil); err != nil {
				return err
			}
			fmt.Println("Pairing window closed.")
			return nil
		}),
	}
}

func adminDevicesCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "devices",
		Summary: "List paired devices",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("devices", &params) },
		Run: adminRun(&params, 0, func(ctx context.Context, client *service.SocketClient, _ []string, _ *slog.Logger) error {
			var devices []agent.DeviceInfo
			if err := client.Call(ctx, agent.ActionListDevices, nil, &devices); err != nil {
				return err
			}
			if done, err := params.EmitJSON(devices); done {
				return err
			}
			printer := cli.NewPrinter(os.Stdout)
			if len(devices) == 0 {
				printer.Printf("No devices paired.\n")
				return nil
			}
			printer.Table([]string{"ID", "NAME", "PAIRED", "STATE", "FINGERPRINT"}, deviceRows(printer, devices))
			return nil
		}),
	}
}

// deviceRows orders devices active first, then by pairing time.
func deviceRows(printer *cli.Printer, devices []agent.DeviceInfo) [][]string {
	sort.SliceStable(devices, func(i, j int) bool {
		iRevoked, jRevoked := !devices[i].RevokedAt.IsZero(), !devices[j].RevokedAt.IsZero()
		if iRevoked != jRevoked {
			return !iRevoked
		}
		return devices[i].IssuedAt.Before(devices[j].IssuedAt)
	})
	rows := make([][]string, 0, len(devices))
	for _, device := range devices {
		state := printer.Styled(cli.ToneNeutral, "paired")
		switch {
		case !device.RevokedAt.IsZero():
			state = printer.Styled(cli.ToneBad, "revoked")
		case device.Connected:
			state = printer.Styled(cli.ToneGood, "connected")
		}
		rows = append(rows, []string{
			device.ID,
			device.Name,
			device.IssuedAt.Local().Format(time.DateTime),
			state,
			shortFingerprint(device.Fingerprint),
		})
	}
	return rows
}

// shortFingerprint keeps the first eight bytes of a hex fingerprint.
func shortFingerprint(fingerprint string) string {
	if len(fingerprint) <= 16 {
		return fingerprint
	}
	return fingerprint[:16] + "..."
}

func adminRevokeCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "revoke",
		Summary: "Revoke a device and end its session",
		Usage:   "voxlink admin revoke [flags] DEVICE_ID",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("revoke", &params) },
		Run: adminRun(&params, 1, func(ctx context.Context, client *service.SocketClient, args []string, logger *slog.Logger) error {
			var device agent.DeviceInfo
			if err := client.Call(ctx, agent.ActionRevokeDevice, map[string]any{"device_id": args[0]}, &device); err != nil {
				return err
			}
			logger.Info("device revoked", "device_id", device.ID)
			if done, err := params.EmitJSON(device); done {
				return err
			}
			printer := cli.NewPrinter(os.Stdout)
			printer.Printf("%s %s (%s)\n", printer.Styled(cli.ToneBad, "Revoked"), device.Name, device.ID)
			return nil
		}),
	}
}

func adminStatusCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show agent and session state",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("status", &params) },
		Run: adminRun(&params, 0, func(ctx context.Context, client *service.SocketClient, _ []string, _ *slog.Logger) error {
			var status agent.Status
			if err := client.Call(ctx, agent.ActionStatus, nil, &status); err != nil {
				return err
			}
			if done, err := params.EmitJSON(status); done {
				return err
			}
			printStatus(cli.NewPrinter(os.Stdout), status)
			return nil
		}),
	}
}

func printStatus(printer *cli.Printer, status agent.Status) {
	ready := printer.Styled(cli.ToneBad, "not ready")
	if status.Ready {
		ready = printer.Styled(cli.ToneGood, "ready")
	}
	pairing := "closed"
	if status.PairingActive {
		pairing = printer.Styled(cli.ToneWarn, "open")
	}
	printer.Fields(
		"Agent", fmt.Sprintf("%s, version %s, up %s", ready, status.Version, (time.Duration(status.UptimeSeconds)*time.Second).String()),
		"CA fingerprint", status.CAFingerprint,
		"Pairing window", pairing,
	)
	if status.Session == nil {
		printer.Printf("\nNo active session.\n")
	} else {
		printSession(printer, status.Session)
	}
	if len(status.Latency) > 0 {
		printer.Printf("\n")
		printer.Table([]string{"STAGE", "COMMANDS", "P50", "P95", "MAX"}, latencyRows(status.Latency))
	}
}

func printSession(printer *cli.Printer, session *agent.SessionInfo) {
	printer.Printf("\n")
	printer.Fields(
		"Session", session.ID,
		"Device", fmt.Sprintf("%s (%s)", session.DeviceName, session.DeviceID),
		"State", printer.Styled(cli.StateTone(session.State), session.State),
		"Traffic", fmt.Sprintf("%d frames / %d bytes in, %d frames / %d bytes out",
			session.FramesIn, session.BytesIn, session.FramesOut, session.BytesOut),
		"RTT", session.SmoothedRTT.Round(time.Millisecond).String(),
		"Commands in flight", fmt.Sprint(session.InFlight),
	)
}

func latencyRows(stages []pipeline.StageLatency) [][]string {
	rows := make([][]string, 0, len(stages))
	for _, stage := range stages {
		rows = append(rows, []string{
			string(stage.Stage),
			fmt.Sprint(stage.Count),
			stage.P50.Round(time.Millisecond).String(),
			stage.P95.Round(time.Millisecond).String(),
			stage.Max.Round(time.Millisecond).String(),
		})
	}
	return rows
}

type auditParams struct {
	adminParams
	Type    string        `flag:"type" desc:"only events of this type (e.g. pairing_completed)"`
	Session string        `flag:"session" desc:"only events of this session"`
	Command string        `flag:"command" desc:"only events of this command"`
	Device  string        `flag:"device" desc:"only events of this device"`
	Since   time.Duration `flag:"since" desc:"only events newer than this"`
	Limit   int           `flag:"limit" desc:"maximum events" default:"100"`
}

// auditLine is the JSON form of one audit entry.
type auditLine struct {
	Seq       int64             `json:"seq"`
	Time      time.Time         `json:"time"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	SessionID string            `json:"session_id,omitempty"`
	CommandID string            `json:"command_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Code      int               `json:"code,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func adminAuditCommand() *cli.Command {
	var params auditParams
	return &cli.Command{
		Name:    "audit",
		Summary: "Show the agent's audit log",
		Examples: []cli.Example{
			{Description: "Connections refused in the last day", Command: "voxlink admin audit --type connection_rejected --since 24h"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("audit", &params) },
		Run: adminRun(&params.adminParams, 0, func(ctx context.Context, client *service.SocketClient, _ []string, _ *slog.Logger) error {
			query := map[string]any{"limit": params.Limit}
			for key, value := range map[string]string{
				"type":       params.Type,
				"session_id": params.Session,
				"command_id": params.Command,
				"device_id":  params.Device,
			} {
				if value != "" {
					query[key] = value
				}
			}
			if params.Since > 0 {
				query["since"] = time.Now().Add(-params.Since)
			}

			var entries []agent.AuditEntry
			if err := client.Call(ctx, agent.ActionAuditLog, query, &entries); err != nil {
				return err
			}
			lines := make([]auditLine, 0, len(entries))
			for _, entry := range entries {
				event := entry.Event
				lines = append(lines, auditLine{
					Seq: entry.Seq, Time: event.Time, Type: string(event.Type), Severity: string(event.Severity),
					SessionID: event.SessionID, CommandID: event.CommandID, DeviceID: event.DeviceID,
					State: event.State, Code: int(event.Code), Reason: event.Reason, Detail: event.Detail,
					Fields: event.Fields,
				})
			}
			if done, err := params.EmitJSON(lines); done {
				return err
			}
			printer := cli.NewPrinter(os.Stdout)
			if len(lines) == 0 {
				printer.Printf("No matching events.\n")
				return nil
			}
			rows := make([][]string, 0, len(lines))
			for _, line := range lines {
				rows = append(rows, []string{
					fmt.Sprint(line.Seq),
					line.Time.Local().Format(time.DateTime),
					printer.Styled(severityTone(line.Severity), line.Type),
					auditSubject(line),
					auditDetail(line),
				})
			}
			printer.Table([]string{"SEQ", "TIME", "TYPE", "SUBJECT", "DETAIL"}, rows)
			return nil
		}),
	}
}

func severityTone(severity string) cli.Tone {
	switch severity {
	case "critical":
		return cli.ToneBad
	case "warning":
		return cli.ToneWarn
	default:
		return cli.ToneNeutral
	}
}

func auditSubject(line auditLine) string {
	var parts []string
	if line.DeviceID != "" {
		parts = append(parts, "device="+line.DeviceID)
	}
	if line.SessionID != "" {
		parts = append(parts, "session="+line.SessionID)
	}
	if line.CommandID != "" {
		parts = append(parts, "command="+line.CommandID)
	}
	return strings.Join(parts, " ")
}

func auditDetail(line auditLine) string {
	var parts []string
	if line.State != "" {
		parts = append(parts, line.State)
	}
	if line.Code != 0 {
		parts = append(parts, fmt.Sprintf("%d %s", line.Code, line.Reason))
	} else if line.Reason != "" {
		parts = append(parts, line.Reason)
	}
	if line.Detail != "" {
		parts = append(parts, line.Detail)
	}
	return strings.Join(parts, " ")
}

func adminVerifyAuditCommand() *cli.Command {
	var params adminParams
	return &cli.Command{
		Name:    "verify-audit",
		Summary: "Check the audit log's hash chain",
		Description: `Walk the audit log and check that every entry hashes to its recorded
value and links to its predecessor. Exits 1 when the chain is broken.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("verify-audit", &params) },
		Run: adminRun(&params, 0, func(ctx context.Context, client *service.SocketClient, _ []string, _ *slog.Logger) error {
			var verification agent.AuditVerification
			if err := client.Call(ctx, agent.ActionVerifyAudit, nil, &verification); err != nil {
				return err
			}
			if done, err := params.EmitJSON(verification); done {
				if err == nil && !verification.Intact {
					return &cli.ExitError{Code: 1}
				}
				return err
			}
			printer := cli.NewPrinter(os.Stdout)
			if !verification.Intact {
				printer.Printf("%s after %d entries: %s\n", printer.Styled(cli.ToneBad, "Chain broken"), verification.Verified, verification.Problem)
				return &cli.ExitError{Code: 1}
			}
			printer.Printf("%s %d entries verified.\n", printer.Styled(cli.ToneGood, "Intact:"), verification.Verified)
			return nil
		}),
	}
}

