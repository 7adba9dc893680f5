package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/llm"
	"github.com/comigor/relay-go/internal/logger"
)

// Replies sent instead of a completion when an event cannot be answered.
const (
	ApologyRequestFailed = "Sorry, I encountered an error trying to reach the AI."
	ApologyMalformed     = "Sorry, I received an unexpected response from the AI."
	ApologyInternal      = "Sorry, an internal error occurred while processing your message."
)

var (
	// ErrIgnored is returned for events without text or conversation.
	ErrIgnored = errors.New("relay: event ignored")

	// ErrRelay wraps failures that are neither completion nor response-shape errors.
	ErrRelay = errors.New("relay: processing failed")
)

// FSM States
type FSMState stateless.State

var (
	StateIdle               FSMState = "Idle"
	StateRecording          FSMState = "Recording"
	StateAwaitingCompletion FSMState = "AwaitingCompletion"
	StateReplying           FSMState = "Replying"
	StateApologizing        FSMState = "Apologizing"
	StateDone               FSMState = "Done"   // Terminal: reply delivered
	StateFailed             FSMState = "Failed" // Terminal: apology attempted
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerReceive   FSMTrigger = "Receive"
	TriggerRecorded  FSMTrigger = "Recorded"
	TriggerCompleted FSMTrigger = "Completed"
	TriggerDelivered FSMTrigger = "Delivered"
	TriggerFailed    FSMTrigger = "Failed"
	TriggerApologize FSMTrigger = "Apologized"
)

// Relay answers one inbound event at a time. It does not order events of
// the same conversation; use a Dispatcher for that.
type Relay struct {
	history   History
	completer Completer
	messenger Messenger
}

// New creates a Relay.
func New(h History, c Completer, m Messenger) *Relay {
	return &Relay{history: h, completer: c, messenger: m}
}

// Handle runs one inbound event to completion: record the user message,
// complete, record and send the reply. On any failure, a panicking
// collaborator included, an apology is sent instead and the cause is
// returned.
func (r *Relay) Handle(ctx context.Context, in Inbound) (err error) {
	if in.Text == "" || in.ConversationID == "" {
		logger.L.Info("ignoring event without text or conversation", "event", in.EventID)
		return ErrIgnored
	}

	run := &relayRun{
		Relay: r,
		in:    in,
		log:   logger.L.With("conversation", in.ConversationID, "run", uuid.NewString()),
	}
	run.log.Info("received message", "event", in.EventID, "text", in.Text)

	defer func() {
		if p := recover(); p != nil {
			err = run.recovered(ctx, p)
		}
	}()

	fsm := run.machine()
	if err := fsm.FireCtx(ctx, TriggerReceive); err != nil {
		run.log.Error("FSM fire error", "error", err)
		if run.err == nil {
			run.err = fmt.Errorf("%w: %w", ErrRelay, err)
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return fmt.Errorf("FSM internal error: %w", err)
	}
	switch state {
	case StateDone:
		return nil
	case StateFailed:
		return run.err
	}
	if run.err != nil {
		return run.err
	}
	return fmt.Errorf("%w: FSM ended in unexpected state %v", ErrRelay, state)
}

// relayRun holds the data shared by the state actions of one event.
type relayRun struct {
	*Relay
	in     Inbound
	log    *slog.Logger
	window []history.Message
	reply  history.Message
	err    error
	paused bool
}

func (run *relayRun) machine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerReceive, StateRecording)

	// State: Recording
	// Action: append the user message to the conversation window.
	fsm.Configure(StateRecording).
		OnEntry(func(ctx context.Context, _ ...any) error {
			window, err := run.history.Append(ctx, run.in.ConversationID, history.Message{Role: history.RoleUser, Content: run.in.Text})
			if err != nil {
				return run.fail(ctx, fsm, fmt.Errorf("%w: record user message: %w", ErrRelay, err))
			}
			run.window = window
			return fsm.FireCtx(ctx, TriggerRecorded)
		}).
		Permit(TriggerRecorded, StateAwaitingCompletion).
		Permit(TriggerFailed, StateApologizing)

	// State: AwaitingCompletion
	// Action: show composing and call the completion endpoint with the window.
	// Leaving the state always resets presence to paused.
	fsm.Configure(StateAwaitingCompletion).
		OnEntry(func(ctx context.Context, _ ...any) error {
			run.presence(ctx, PresenceComposing)
			run.log.Debug("requesting completion", "messages", len(run.window))

			reply, err := run.completer.Complete(ctx, run.window)
			if err != nil {
				return run.fail(ctx, fsm, err)
			}
			run.reply = reply
			return fsm.FireCtx(ctx, TriggerCompleted)
		}).
		OnExit(func(ctx context.Context, _ ...any) error {
			run.presence(ctx, PresencePaused)
			run.paused = true
			return nil
		}).
		Permit(TriggerCompleted, StateReplying).
		Permit(TriggerFailed, StateApologizing)

	// State: Replying
	// Action: record the assistant message and deliver it.
	fsm.Configure(StateReplying).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if _, err := run.history.Append(ctx, run.in.ConversationID, run.reply); err != nil {
				return run.fail(ctx, fsm, fmt.Errorf("%w: record reply: %w", ErrRelay, err))
			}
			run.log.Info("sending response", "text", run.reply.Content)
			if err := run.messenger.SendText(ctx, run.in.ConversationID, run.reply.Content); err != nil {
				return run.fail(ctx, fsm, fmt.Errorf("%w: send reply: %w", ErrRelay, err))
			}
			return fsm.FireCtx(ctx, TriggerDelivered)
		}).
		Permit(TriggerDelivered, StateDone).
		Permit(TriggerFailed, StateApologizing)

	// State: Apologizing
	// Action: make sure presence is paused and tell the user something went
	// wrong. A failed apology is only logged.
	fsm.Configure(StateApologizing).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if !run.paused {
				run.presence(ctx, PresencePaused)
				run.paused = true
			}
			text := apologyFor(run.err)
			if err := run.messenger.SendText(ctx, run.in.ConversationID, text); err != nil {
				run.log.Error("failed to send error message to user", "error", err)
			}
			return fsm.FireCtx(ctx, TriggerApologize)
		}).
		Permit(TriggerApologize, StateFailed)

	fsm.Configure(StateDone)
	fsm.Configure(StateFailed)

	return fsm
}

// fail records err as the run's outcome and moves to Apologizing.
func (run *relayRun) fail(ctx context.Context, fsm *stateless.StateMachine, err error) error {
	run.err = err
	run.log.Error("error processing message", "error", err)
	return fsm.FireCtx(ctx, TriggerFailed)
}

// recovered turns a panic raised while handling the event into an internal
// error and answers it like any other failure.
func (run *relayRun) recovered(ctx context.Context, p any) error {
	run.err = fmt.Errorf("%w: panic: %v", ErrRelay, p)
	run.log.Error("panic while processing message", "error", run.err, "stack", string(debug.Stack()))
	if !run.paused {
		run.presence(ctx, PresencePaused)
		run.paused = true
	}
	if err := run.messenger.SendText(ctx, run.in.ConversationID, ApologyInternal); err != nil {
		run.log.Error("failed to send error message to user", "error", err)
	}
	return run.err
}

// presence is fire-and-forget: failures are logged and never change the outcome.
func (run *relayRun) presence(ctx context.Context, p Presence) {
	if err := run.messenger.SetPresence(ctx, run.in.ConversationID, p); err != nil {
		run.log.Warn("presence update failed", "presence", string(p), "error", err)
	}
}

func apologyFor(err error) string {
	switch {
	case errors.Is(err, llm.ErrRequestFailed):
		return ApologyRequestFailed
	case errors.Is(err, llm.ErrMalformedResponse):
		return ApologyMalformed
	default:
		return ApologyInternal
	}
}
