// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxlink/voxlink/audio"
	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
)

// Config tunes a Pipeline. Zero values take the documented defaults.
type Config struct {
	SessionID string

	// ConfidenceThreshold rejects transcriptions below it. Default 0.60.
	ConfidenceThreshold float64

	// ConfirmationTimeout cancels unanswered confirmations. Default 30s.
	ConfirmationTimeout time.Duration

	// TranscribeTimeout bounds one transcriber call. Default 20s.
	TranscribeTimeout time.Duration

	// TranscribeRetries is how many times a transient transcriber
	// failure is repeated. Default 2; negative disables.
	TranscribeRetries int

	// TranscribeBackoff is multiplied by the retry number. Default 1s.
	TranscribeBackoff time.Duration

	// InterpretTimeout bounds one interpreter call. Default 15s.
	InterpretTimeout time.Duration

	// RetryAttempts is how many queued interpreter retries a command
	// gets. Default 3.
	RetryAttempts int

	// RetryBackoff is multiplied by the retry number. Default 5s.
	RetryBackoff time.Duration

	// RetryQueueSize bounds commands waiting for the interpreter.
	// Default 16.
	RetryQueueSize int

	// MaxInFlight bounds concurrently processed commands. Default 4.
	MaxInFlight int

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  audit.Sink
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.60
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 30 * time.Second
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 20 * time.Second
	}
	if c.TranscribeRetries < 0 {
		c.TranscribeRetries = 0
	} else if c.TranscribeRetries == 0 {
		c.TranscribeRetries = 2
	}
	if c.TranscribeBackoff <= 0 {
		c.TranscribeBackoff = time.Second
	}
	if c.InterpretTimeout <= 0 {
		c.InterpretTimeout = 15 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 16
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Audit == nil {
		c.Audit = audit.Discard
	}
	return c
}

// Services are the collaborators a Pipeline drives. Latency and
// Archive may be nil.
type Services struct {
	Transcriber Transcriber
	Interpreter Interpreter
	Router      ToolRouter
	Status      StatusSink
	Window      *Window
	Latency     *Latency
	Archive     Archiver
}

// Pipeline carries each closed audio segment through transcription,
// interpretation, optional confirmation, and execution. Every command
// is processed by a single goroutine that owns it from Submit to its
// terminal state; each state change emits exactly one STATUS and one
// audit event.
//
// A Pipeline belongs to one session. Stop fails the commands in flight
// and keeps accepting new ones; Abort ends the session, after which
// nothing more is sent to the client.
type Pipeline struct {
	config   Config
	services Services

	session    context.Context
	endSession context.CancelCauseFunc
	group      errgroup.Group
	retryQueue chan interpretRequest
	workerDone chan struct{}
	inFlight   atomic.Int64
	abortOnce  sync.Once

	mu         sync.Mutex
	generation context.Context
	stop       context.CancelCauseFunc
	pending    map[string]chan bool
	aborted    bool
}

// New starts a Pipeline and its interpreter retry worker.
func New(services Services, config Config) *Pipeline {
	config = config.withDefaults()
	if services.Window == nil {
		services.Window = NewWindow(0, 0, config.Clock)
	}
	session, endSession := context.WithCancelCause(context.Background())
	p := &Pipeline{
		config:     config,
		services:   services,
		session:    session,
		endSession: endSession,
		retryQueue: make(chan interpretRequest, config.RetryQueueSize),
		workerDone: make(chan struct{}),
		pending:    make(map[string]chan bool),
	}
	p.group.SetLimit(config.MaxInFlight)
	p.generation, p.stop = context.WithCancelCause(session)
	go p.retryWorker()
	return p
}

// InFlight reports commands that have not reached a terminal state.
func (p *Pipeline) InFlight() int { return int(p.inFlight.Load()) }

// Submit creates a command for segment and starts processing it. The
// returned id is valid even when err is non-nil: a command refused for
// capacity is still reported to the client as failed.
func (p *Pipeline) Submit(segment *audio.Segment) (string, error) {
	command := &Command{
		ID:        uuid.NewString(),
		SessionID: p.config.SessionID,
		SegmentID: segment.ID,
	}
	if !segment.StartedAt.IsZero() && segment.ClosedAt.After(segment.StartedAt) {
		command.Capture = segment.ClosedAt.Sub(segment.StartedAt)
	}
	data := segment.Data

	// The lock covers only the bookkeeping: a STATUS send can block on
	// a degraded session and must not stall Decide or Stop.
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return "", protocol.ErrSessionLost
	}
	ctx := p.generation
	p.inFlight.Add(1)
	started := p.group.TryGo(func() error {
		p.run(ctx, command, data)
		return nil
	})
	p.mu.Unlock()

	if !started {
		err := protocol.Errorf(protocol.CodeCommandCapacity, "too_many_commands",
			"%d commands already in flight", p.config.MaxInFlight)
		if p.transition(ctx, command, StatePending, "") {
			p.fail(ctx, command, err)
		}
		return command.ID, err
	}
	return command.ID, nil
}

// Decide answers the confirmation for commandID. Returns
// NoPendingConfirmation if the command is not waiting for one.
func (p *Pipeline) Decide(commandID string, approved bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	decision, ok := p.pending[commandID]
	if !ok {
		return protocol.Errorf(protocol.CodeNoPendingConfirmation, "no_pending_confirmation",
			"command %s is not awaiting confirmation", commandID)
	}
	delete(p.pending, commandID)
	decision <- approved
	return nil
}

// Stop fails every command in flight with Stopped. Commands submitted
// afterwards run normally.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return
	}
	p.stop(protocol.ErrStopped)
	p.generation, p.stop = context.WithCancelCause(p.session)
}

// Abort ends the session: in-flight commands fail with SessionLost
// without emitting STATUS. Abort returns once every command goroutine
// and the retry worker have exited. Safe to call more than once.
func (p *Pipeline) Abort() {
	p.abortOnce.Do(func() {
		p.mu.Lock()
		p.aborted = true
		p.mu.Unlock()

		p.endSession(protocol.ErrSessionLost)
		p.group.Wait()
		<-p.workerDone
	})
}

func (p *Pipeline) run(ctx context.Context, command *Command, audioData []byte) {
	if !p.transition(ctx, command, StatePending, "") {
		return
	}
	if !p.transition(ctx, command, StateTranscribing, "") {
		return
	}
	transcription, err := p.transcribe(ctx, command, audioData)
	if err != nil {
		p.fail(ctx, command, err)
		return
	}
	command.Transcript = transcription.Text
	command.Confidence = transcription.Confidence
	command.Language = transcription.Language
	if strings.TrimSpace(transcription.Text) == "" || transcription.Confidence < p.config.ConfidenceThreshold {
		p.fail(ctx, command, protocol.Errorf(protocol.CodeLowConfidence, "low_confidence",
			"transcription confidence %.2f is below %.2f", transcription.Confidence, p.config.ConfidenceThreshold))
		return
	}

	if !p.transition(ctx, command, StateInterpreting, transcription.Text) {
		return
	}
	intent, err := p.interpretWithRetry(ctx, command)
	if err != nil {
		p.fail(ctx, command, interpretFailure(err))
		return
	}
	command.Intent = &intent

	invocation, err := p.services.Router.Route(command.ID, intent)
	if err != nil {
		p.fail(ctx, command, err)
		return
	}

	if p.services.Router.RequiresConfirmation(intent) && !p.confirm(ctx, command) {
		return
	}

	if !p.transition(ctx, command, StateExecuting, intent.String()) {
		return
	}
	result, err := p.services.Router.Execute(ctx, invocation)
	if err != nil {
		p.fail(ctx, command, err)
		return
	}
	command.Result = &result
	p.transition(ctx, command, StateCompleted, result.Summary)
}

func (p *Pipeline) transcribe(ctx context.Context, command *Command, audioData []byte) (Transcription, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.TranscribeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Transcription{}, context.Cause(ctx)
			case <-p.config.Clock.After(p.config.TranscribeBackoff * time.Duration(attempt)):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.TranscribeTimeout)
		transcription, err := p.services.Transcriber.Transcribe(attemptCtx, audioData)
		cancel()
		if err == nil {
			return transcription, nil
		}
		if ctx.Err() != nil {
			return Transcription{}, context.Cause(ctx)
		}
		lastErr = err
		if !transient(err) {
			break
		}
		p.config.Logger.Info("transcription attempt failed",
			"command_id", command.ID, "attempt", attempt+1, "error", err)
	}
	p.archive(ctx, command, audioData)
	return Transcription{}, protocol.Wrap(protocol.CodeTranscriberUnavailable, "transcriber_unavailable", lastErr)
}

func (p *Pipeline) archive(ctx context.Context, command *Command, audioData []byte) {
	if p.services.Archive == nil {
		return
	}
	name := fmt.Sprintf("%s/segment-%d-%s.pcm", p.config.SessionID, command.SegmentID, command.ID)
	if err := p.services.Archive.Put(context.WithoutCancel(ctx), name, audioData); err != nil {
		p.config.Logger.Warn("archiving failed audio", "command_id", command.ID, "error", err)
	}
}

func (p *Pipeline) interpret(ctx context.Context, text string, history []Summary) (router.Intent, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.config.InterpretTimeout)
	defer cancel()
	return p.services.Interpreter.Interpret(attemptCtx, text, history)
}

// interpretWithRetry calls the interpreter once inline. A transient
// failure parks the command on the retry queue; a full queue fails it.
func (p *Pipeline) interpretWithRetry(ctx context.Context, command *Command) (router.Intent, error) {
	history := p.services.Window.Recent()
	intent, err := p.interpret(ctx, command.Transcript, history)
	if ctx.Err() != nil {
		return router.Intent{}, context.Cause(ctx)
	}
	if err == nil || !transient(err) {
		return intent, err
	}

	request := interpretRequest{
		ctx:       ctx,
		commandID: command.ID,
		text:      command.Transcript,
		history:   history,
		reply:     make(chan interpretReply, 1),
	}
	select {
	case p.retryQueue <- request:
	default:
		return router.Intent{}, protocol.Errorf(protocol.CodeInterpreterUnavailable, "retry_queue_full",
			"%d commands already waiting for the interpreter", p.config.RetryQueueSize)
	}
	select {
	case reply := <-request.reply:
		return reply.intent, reply.err
	case <-ctx.Done():
		return router.Intent{}, context.Cause(ctx)
	}
}

func interpretFailure(err error) error {
	var exhausted *exhaustedError
	switch {
	case errors.As(err, &exhausted):
		return protocol.Wrap(protocol.CodeInterpreterUnavailable, "interpreter_unavailable", err)
	case errors.Is(err, ErrAmbiguousIntent):
		return protocol.Wrap(protocol.CodeAmbiguousIntent, "ambiguous_intent", err)
	}
	var protocolErr *protocol.Error
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return protocol.Wrap(protocol.CodeInterpreterUnavailable, "interpretation_failed", err)
}

// confirm registers the command for Decide before announcing it, so a
// prompt answer cannot miss the registry. Exactly one outcome wins:
// a decision, the timeout, or ctx ending. Reports true when approved;
// otherwise the command has already reached a terminal state.
func (p *Pipeline) confirm(ctx context.Context, command *Command) bool {
	decision := make(chan bool, 1)
	p.mu.Lock()
	p.pending[command.ID] = decision
	p.mu.Unlock()

	if !p.transition(ctx, command, StateAwaitingConfirmation, command.Intent.String()) {
		p.unregister(command.ID)
		return false
	}

	reason := "declined"
	select {
	case approved := <-decision:
		if approved {
			return true
		}
	case <-p.config.Clock.After(p.config.ConfirmationTimeout):
		if p.unregister(command.ID) {
			reason = "confirmation_timeout"
		} else if <-decision {
			// Decide won the race; its answer is already buffered.
			return true
		}
	case <-ctx.Done():
		if !p.unregister(command.ID) {
			<-decision
		}
		p.fail(ctx, command, context.Cause(ctx))
		return false
	}
	command.Failure = &Failure{Reason: reason}
	p.transition(ctx, command, StateCancelled, reason)
	return false
}

// unregister removes a pending confirmation and reports whether it was
// still registered.
func (p *Pipeline) unregister(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[commandID]
	delete(p.pending, commandID)
	return ok
}

// fail moves command to failed. If ctx was cancelled by Stop or Abort
// the cancellation cause replaces err.
func (p *Pipeline) fail(ctx context.Context, command *Command, err error) {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	protocolErr := protocol.As(err)
	message := protocolErr.Message
	if message == "" {
		message = protocolErr.Error()
	}
	command.Failure = &Failure{Code: protocolErr.Code, Reason: protocolErr.Reason, Message: message}
	p.transition(ctx, command, StateFailed, message)
}

// transition applies a state change, emits its STATUS (unless the
// session has ended), and records its audit event. Reports false when
// the change is refused, which happens only once ctx has ended; the
// caller then fails the command.
func (p *Pipeline) transition(ctx context.Context, command *Command, to State, message string) bool {
	if to != StateFailed && ctx.Err() != nil {
		p.fail(ctx, command, context.Cause(ctx))
		return false
	}
	if command.State != "" && !command.State.Allowed(to) {
		p.config.Logger.Error("refusing illegal command transition",
			"command_id", command.ID, "from", command.State, "to", to)
		return false
	}
	now := p.config.Clock.Now()
	command.State = to
	command.Transitions = append(command.Transitions, Transition{State: to, At: now})

	status := protocol.Status{CommandID: command.ID, State: string(to), Message: message}
	if command.Failure != nil {
		status.Code = command.Failure.Code
		status.Reason = command.Failure.Reason
	}
	if to == StateCompleted && command.Result != nil {
		data, err := codec.Marshal(command.Result)
		if err != nil {
			p.config.Logger.Error("encoding command result", "command_id", command.ID, "error", err)
		} else {
			status.Data = data
		}
	}
	var timings map[Stage]time.Duration
	if to.Terminal() {
		p.inFlight.Add(-1)
		p.services.Window.Add(summarize(command, now))
		timings = command.Timings()
		if to == StateCompleted && p.services.Latency != nil {
			p.services.Latency.Observe(timings)
		}
	}
	p.record(ctx, command, status, timings)
	if p.session.Err() == nil {
		if err := p.services.Status.SendStatus(p.session, status); err != nil {
			p.config.Logger.Warn("sending command status", "command_id", command.ID, "state", to, "error", err)
		}
	}
	return true
}

func (p *Pipeline) record(ctx context.Context, command *Command, status protocol.Status, timings map[Stage]time.Duration) {
	severity := audit.SeverityInfo
	if command.State == StateFailed {
		severity = audit.SeverityWarning
	}
	event := audit.Event{
		Time:      p.config.Clock.Now(),
		Type:      audit.TypeCommandTransition,
		Severity:  severity,
		SessionID: command.SessionID,
		CommandID: command.ID,
		State:     status.State,
		Code:      status.Code,
		Reason:    status.Reason,
		Detail:    status.Message,
		Fields:    timingFields(timings),
	}
	if err := p.config.Audit.Record(context.WithoutCancel(ctx), event); err != nil {
		p.config.Logger.Error("recording command transition", "command_id", command.ID, "error", err)
	}
}

func summarize(command *Command, at time.Time) Summary {
	summary := Summary{
		CommandID:  command.ID,
		Transcript: command.Transcript,
		Outcome:    command.State,
		At:         at,
	}
	if command.Intent != nil {
		summary.Intent = command.Intent.String()
	}
	return summary
}
