// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/voxlink/voxlink/cmd/voxlink/cli"
	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/transport"
)

type sendParams struct {
	cli.JSONOutput
	cli.Verbosity
	ChunkSize int           `flag:"chunk-size" desc:"audio bytes per frame" default:"16384"`
	Timeout   time.Duration `flag:"timeout" desc:"give up if commands have not finished by then" default:"2m"`
	Yes       bool          `flag:"yes,y" desc:"confirm every command that asks for confirmation"`
	Decline   bool          `flag:"decline" desc:"decline every command that asks for confirmation"`
	Home      string        `flag:"home" desc:"identity directory (default: $VOXLINK_HOME or the user config directory)"`
}

func sendCommand() *cli.Command {
	var params sendParams
	return &cli.Command{
		Name:    "send",
		Summary: "Stream recorded speech to the agent and follow the commands",
		Description: `Open a session with the paired agent and send each file as one audio
segment, then print every command status until all of them finish.

Commands that need confirmation are prompted for on a terminal. With
--yes or --decline the answer is given automatically; without a
terminal and without either flag they are declined.

Exits 1 when any command failed or was cancelled.`,
		Usage: "voxlink send [flags] FILE...",
		Examples: []cli.Example{
			{
				Description: "Send one utterance recorded as 16 kHz PCM",
				Command:     "voxlink send open-browser.pcm",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("send", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			params.Apply()
			if len(args) == 0 {
				return errors.New("at least one audio file is required")
			}
			if params.Yes && params.Decline {
				return errors.New("--yes and --decline are mutually exclusive")
			}
			return runSend(ctx, params, args, logger)
		},
	}
}

func runSend(ctx context.Context, params sendParams, files []string, logger *slog.Logger) error {
	segments := make([][]byte, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading audio: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%s is empty", file)
		}
		segments = append(segments, data)
	}

	dir := params.Home
	if dir == "" {
		dir = defaultIdentityDir()
	}
	identity, err := loadIdentity(dir)
	if err != nil {
		return err
	}
	tlsConfig, err := loadClientTLS(dir, identity)
	if err != nil {
		return err
	}

	session, err := connect(ctx, identity.Address, tlsConfig, logger)
	if err != nil {
		return err
	}
	defer session.Close(transport.ReasonClientClosed)
	logger.Debug("session open", "session_id", session.ID(), "address", identity.Address)

	printer := cli.NewPrinter(os.Stdout)
	streamer := &follower{
		session:   session,
		chunkSize: params.ChunkSize,
		logger:    logger,
		report:    textReport(printer),
		decide:    decider(params, printer),
	}
	if params.OutputJSON {
		streamer.report = jsonReport(os.Stdout)
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()
	outcome, err := streamer.run(ctx, segments)
	if err != nil {
		return err
	}
	if !params.OutputJSON {
		printer.Printf("%d completed, %d failed, %d cancelled\n", outcome.completed, outcome.failed, outcome.cancelled)
	}
	if outcome.failed > 0 || outcome.cancelled > 0 {
		return &cli.ExitError{Code: 1}
	}
	return nil
}

// connect dials the agent, retrying with backoff unless the failure is
// a security rejection.
func connect(ctx context.Context, address string, tlsConfig *tls.Config, logger *slog.Logger) (*transport.Session, error) {
	dial := func(ctx context.Context) (*transport.Session, error) {
		return transport.Dial(ctx, transport.DialConfig{Address: address, TLS: tlsConfig})
	}
	session, err := dial(ctx)
	if err == nil {
		return session, nil
	}
	if transport.IsSecurityError(err) || protocol.CodeOf(err) == protocol.CodeSessionOccupied {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	logger.Info("agent unreachable, retrying", "address", address, "error", err)
	session, err = transport.Reconnect(ctx, dial, transport.ReconnectPolicy{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return session, nil
}

// update is one line of send output: a command status or a refusal
// the agent reported outside any command.
type update struct {
	CommandID string        `json:"command_id,omitempty"`
	State     string        `json:"state"`
	Message   string        `json:"message,omitempty"`
	Code      protocol.Code `json:"code,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

type summary struct {
	completed, failed, cancelled int
}

// follower streams segments over one session and consumes the replies.
type follower struct {
	session   *transport.Session
	chunkSize int
	logger    *slog.Logger

	report func(update)

	// decide answers an awaiting_confirmation status with confirm or
	// decline.
	decide func(update) protocol.Directive
}

// run sends every segment and returns once each has produced a
// terminal status or a refusal.
func (f *follower) run(ctx context.Context, segments [][]byte) (summary, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return f.stream(groupCtx, segments) })

	var result summary
	err := f.follow(groupCtx, len(segments), &result)
	if err != nil {
		f.session.Close(transport.ReasonClientClosed)
	}
	if streamErr := group.Wait(); streamErr != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = streamErr
	}
	return result, err
}

// stream sends segment i as segment id i+1, sequences from 0.
func (f *follower) stream(ctx context.Context, segments [][]byte) error {
	chunkSize := f.chunkSize
	if chunkSize <= 0 || chunkSize > transport.MaxPayload-64 {
		chunkSize = 16 << 10
	}
	for index, data := range segments {
		segmentID := uint32(index + 1)
		var sequence uint32
		for offset := 0; offset < len(data); offset += chunkSize {
			end := min(offset+chunkSize, len(data))
			frame := transport.Frame{
				Type: protocol.FrameAudio,
				Payload: protocol.EncodeAudio(protocol.AudioFrame{
					SegmentID: segmentID,
					Sequence:  sequence,
					Data:      data[offset:end],
				}),
			}
			if err := f.session.Send(ctx, frame); err != nil {
				return fmt.Errorf("sending segment %d: %w", segmentID, err)
			}
			sequence++
		}
		if err := f.session.SendControl(ctx, protocol.Control{Directive: protocol.DirectiveEndSegment, SegmentID: segmentID}); err != nil {
			return fmt.Errorf("ending segment %d: %w", segmentID, err)
		}
		f.logger.Debug("segment sent", "segment_id", segmentID, "bytes", len(data), "frames", sequence)
	}
	return nil
}

// follow reads inbound frames until expected outcomes have arrived.
func (f *follower) follow(ctx context.Context, expected int, result *summary) error {
	finished := 0
	for finished < expected {
		var frame transport.Frame
		var ok bool
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%d of %d commands still running at timeout", expected-finished, expected)
			}
			return ctx.Err()
		case frame, ok = <-f.session.Inbound():
		}
		if !ok {
			return fmt.Errorf("session closed (%s) with %d of %d commands unfinished", f.session.CloseReason(), expected-finished, expected)
		}

		switch frame.Type {
		case protocol.FrameStatus:
			status, err := protocol.DecodeStatus(frame.Payload)
			if err != nil {
				f.logger.Warn("undecodable status", "error", err)
				continue
			}
			u := update{CommandID: status.CommandID, State: status.State, Message: status.Message, Code: status.Code, Reason: status.Reason}
			f.report(u)
			switch pipeline.State(status.State) {
			case pipeline.StateAwaitingConfirmation:
				directive := f.decide(u)
				if err := f.session.SendControl(ctx, protocol.Control{Directive: directive, CommandID: status.CommandID}); err != nil {
					return fmt.Errorf("answering confirmation: %w", err)
				}
			case pipeline.StateCompleted:
				result.completed++
				finished++
			case pipeline.StateFailed:
				result.failed++
				finished++
			case pipeline.StateCancelled:
				result.cancelled++
				finished++
			}

		case protocol.FrameControl:
			control, err := protocol.DecodeControl(frame.Payload)
			if err != nil {
				f.logger.Warn("undecodable control", "error", err)
				continue
			}
			if control.Directive != protocol.DirectiveError {
				continue
			}
			f.report(update{State: "refused", Message: control.Message, Code: control.Code, Reason: control.Reason})
			result.failed++
			finished++
		}
	}
	return nil
}

func textReport(printer *cli.Printer) func(update) {
	return func(u update) {
		id := u.CommandID
		if len(id) > 8 {
			id = id[:8]
		}
		if id == "" {
			id = "-"
		}
		tone := cli.StateTone(u.State)
		if u.State == "refused" {
			tone = cli.ToneBad
		}
		line := fmt.Sprintf("%s  %s", printer.Styled(cli.ToneMuted, id), printer.Styled(tone, u.State))
		if u.Message != "" {
			line += "  " + u.Message
		}
		if u.Code != 0 {
			line += printer.Styled(cli.ToneMuted, fmt.Sprintf("  [%d %s]", u.Code, u.Reason))
		}
		printer.Printf("%s\n", line)
	}
}

func jsonReport(w io.Writer) func(update) {
	return func(u update) {
		cli.WriteJSON(w, u)
	}
}

// decider answers confirmation requests from the flags, a terminal
// prompt, or by declining.
func decider(params sendParams, printer *cli.Printer) func(update) protocol.Directive {
	switch {
	case params.Yes:
		return func(update) protocol.Directive { return protocol.DirectiveConfirm }
	case params.Decline:
		return func(update) protocol.Directive { return protocol.DirectiveDecline }
	case !term.IsTerminal(int(os.Stdin.Fd())):
		return func(update) protocol.Directive {
			printer.Printf("declining: no terminal to confirm on (use --yes)\n")
			return protocol.DirectiveDecline
		}
	}
	input := bufio.NewReader(os.Stdin)
	return func(u update) protocol.Directive {
		printer.Printf("%s [y/N] ", printer.Styled(cli.ToneWarn, "Run it?"))
		answer, _ := input.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return protocol.DirectiveConfirm
		default:
			return protocol.DirectiveDecline
		}
	}
}
