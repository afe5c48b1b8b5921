// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxlink/voxlink/audio"
	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
	"github.com/voxlink/voxlink/transport"
)

// sessionWorker owns everything scoped to one authenticated session:
// the assembler, the router, and the pipeline. The assembler and the
// paused flag are touched only by the ingest goroutine.
type sessionWorker struct {
	session   *transport.Session
	assembler *audio.Assembler
	pipeline  *pipeline.Pipeline
	logger    *slog.Logger

	paused bool
}

func (a *Agent) newSessionWorker(session *transport.Session) *sessionWorker {
	toolRouter := router.New(a.services.Catalog, a.services.Executors, session.ID(), a.config.Router)

	pipelineConfig := a.config.Pipeline
	pipelineConfig.SessionID = session.ID()
	pipelineConfig.Logger = pipelineConfig.Logger.With("session_id", session.ID())

	worker := &sessionWorker{
		session:   session,
		assembler: audio.NewAssembler(a.config.Audio),
		logger:    a.config.Logger.With("session_id", session.ID(), "device_id", session.Peer().DeviceID),
	}
	services := pipeline.Services{
		Transcriber: a.services.Transcriber,
		Interpreter: a.services.Interpreter,
		Router:      toolRouter,
		Status:      pipeline.StatusFunc(worker.sendStatus),
		Window:      a.history(session.Peer().DeviceID),
		Latency:     a.latency,
		Archive:     a.services.Archive,
	}
	worker.pipeline = pipeline.New(services, pipelineConfig)
	return worker
}

// runSession drives session until it closes or ctx ends, then aborts
// the pipeline so nothing is sent to a closed peer.
func (a *Agent) runSession(ctx context.Context, session *transport.Session) {
	worker := a.newSessionWorker(session)
	a.makeCurrent(worker)
	defer a.retire(worker)

	ticker := a.config.Clock.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.ingest(groupCtx, ticker.C, a.config.Clock.Now)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			session.Close(transport.ReasonShutdown)
		case <-session.Done():
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		worker.logger.Error("session worker failed", "error", err)
	}

	worker.pipeline.Abort()
	<-session.Finished()
}

// ingest consumes inbound frames and sweeps silent segments. It
// returns nil once the session's inbound channel closes.
func (w *sessionWorker) ingest(ctx context.Context, sweep <-chan time.Time, now func() time.Time) error {
	inbound := w.session.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			w.dispatch(frame)
		case <-sweep:
			segments, errs := w.assembler.Expire(now())
			for _, err := range errs {
				w.session.SendError(err)
			}
			for _, segment := range segments {
				w.submit(segment)
			}
		}
	}
}

func (w *sessionWorker) dispatch(frame transport.Frame) {
	switch frame.Type {
	case protocol.FrameAudio:
		w.audio(frame.Payload)
	case protocol.FrameControl:
		control, err := protocol.DecodeControl(frame.Payload)
		if err != nil {
			w.session.SendError(err)
			return
		}
		w.control(control)
	default:
		w.session.SendError(protocol.Errorf(protocol.CodeMalformedFrame, "malformed_frame",
			"clients do not send %s frames", frame.Type))
	}
}

func (w *sessionWorker) audio(payload []byte) {
	if w.paused {
		return
	}
	frame, err := protocol.DecodeAudio(payload)
	if err != nil {
		w.session.SendError(err)
		return
	}
	segment, err := w.assembler.Add(frame)
	if err != nil {
		w.logger.Info("audio frame rejected", "segment_id", frame.SegmentID, "sequence", frame.Sequence, "error", err)
		w.session.SendError(err)
		return
	}
	if segment != nil {
		w.submit(segment)
	}
}

func (w *sessionWorker) control(control protocol.Control) {
	switch control.Directive {
	case protocol.DirectivePause:
		w.paused = true
		w.logger.Info("audio ingestion paused")
	case protocol.DirectiveResume:
		w.paused = false
		w.logger.Info("audio ingestion resumed")
	case protocol.DirectiveStop:
		w.logger.Info("stopping in-flight commands", "in_flight", w.pipeline.InFlight())
		w.pipeline.Stop()
	case protocol.DirectiveConfirm, protocol.DirectiveDecline:
		if err := w.pipeline.Decide(control.CommandID, control.Directive == protocol.DirectiveConfirm); err != nil {
			w.session.SendError(err)
		}
	case protocol.DirectiveEndSegment:
		segment, err := w.assembler.End(control.SegmentID)
		if err != nil {
			w.session.SendError(err)
			return
		}
		w.submit(segment)
	case protocol.DirectiveError:
		w.logger.Warn("client reported an error", "code", int(control.Code), "reason", control.Reason, "message", control.Message)
	default:
		w.session.SendError(protocol.Errorf(protocol.CodeMalformedFrame, "unexpected_directive",
			"%s is not valid inside a session", control.Directive))
	}
}

func (w *sessionWorker) submit(segment *audio.Segment) {
	commandID, err := w.pipeline.Submit(segment)
	switch {
	case err == nil:
		w.logger.Debug("segment submitted", "segment_id", segment.ID, "command_id", commandID, "bytes", segment.Bytes())
	case errors.Is(err, protocol.ErrSessionLost):
	default:
		// Refused commands were already reported as failed.
		w.logger.Warn("segment refused", "segment_id", segment.ID, "command_id", commandID, "error", err)
	}
}

func (w *sessionWorker) sendStatus(ctx context.Context, status protocol.Status) error {
	frame, err := transport.StatusFrame(status)
	if err != nil {
		return err
	}
	return w.session.Send(ctx, frame)
}
