// Package dialog drives one scripted sales conversation per active call.
// Each webhook event is an explicit (state, event) -> (state', action)
// transition over the session; there are no callback chains and no
// backward steps.
package dialog

import (
	"context"
	"errors"
	"log"

	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/intent"
	"github.com/tomasbenes/sara/internal/metrics"
	"github.com/tomasbenes/sara/internal/script"
	"github.com/tomasbenes/sara/internal/session"
)

// ErrUnknownSession is returned for a call id with no live session (stale
// or duplicate webhook). Handlers respond 200 with hangup markup.
var ErrUnknownSession = errors.New("dialog: unknown session")

// ErrSessionTerminal is returned when a turn arrives after the session
// went terminal; the in-flight turn's result is discarded.
var ErrSessionTerminal = errors.New("dialog: session already terminal")

// Extractor classifies one customer utterance.
type Extractor interface {
	Extract(ctx context.Context, req intent.Request) (intent.Result, error)
}

// Dispatcher receives terminal session snapshots for outcome delivery.
type Dispatcher interface {
	Enqueue(sn session.Snapshot) bool
}

// NextPrompt is the action a transition produced: what to say next and
// whether to hang up after saying it.
type NextPrompt struct {
	Text    string
	EndCall bool
}

// Machine sequences the script for all active calls. It owns no state of
// its own beyond configuration; per-call state lives in the session store
// and is mutated only under the session lock.
type Machine struct {
	script     *script.Script
	sessions   *session.Store
	extractor  Extractor
	dispatcher Dispatcher
	events     *eventlog.Logger
	logger     *log.Logger
}

// New creates a Machine.
func New(s *script.Script, sessions *session.Store, extractor Extractor, dispatcher Dispatcher, events *eventlog.Logger, logger *log.Logger) *Machine {
	return &Machine{
		script:     s,
		sessions:   sessions,
		extractor:  extractor,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// Greeting returns the opening prompt, which also asks the first question.
func (m *Machine) Greeting() string {
	return m.script.Prompts[script.StepGreeting].Text
}

// Begin creates (or returns) the session for a call-answered webhook.
// A duplicate webhook gets the existing session back with created=false,
// so no second greeting is synthesized.
func (m *Machine) Begin(callID, customerPhone string) (*session.Session, bool) {
	sess, created := m.sessions.GetOrCreate(callID, customerPhone)
	if !created {
		return sess, false
	}

	sess.Lock()
	// The greeting prompt already poses the ConfirmInterest question, so
	// the first customer answer lands on that step.
	sess.Step = script.StepConfirmInterest
	sess.AppendTurn("agent", m.Greeting(), 0)
	sess.Unlock()

	metrics.CallsStarted.Inc()
	m.events.LogAsync(callID, eventlog.EventCallStarted, map[string]any{"customer_phone": customerPhone})
	m.logger.Printf("dialog: call %s started for %s", callID, customerPhone)
	return sess, true
}

// Advance processes one customer turn and computes the next prompt.
// turnFailed marks that a speech-adapter failure produced this transcript
// (degraded STT); together with extractor errors it feeds the
// consecutive-failure budget that forces a graceful system_error
// termination.
func (m *Machine) Advance(ctx context.Context, callID, transcript string, confidence float64, turnFailed bool) (NextPrompt, error) {
	sess := m.sessions.Get(callID)
	if sess == nil {
		return NextPrompt{}, ErrUnknownSession
	}

	sess.Lock()
	defer sess.Unlock()

	if sess.Terminal {
		// A turn finishing after the call-ended signal: discard its result.
		return NextPrompt{EndCall: true}, ErrSessionTerminal
	}

	sess.Touch()
	step := sess.Step

	if transcript != "" {
		sess.AppendTurn("customer", transcript, confidence)
		m.events.LogAsync(callID, eventlog.EventTurnFinalized, map[string]any{
			"step": step.String(), "transcript": transcript, "confidence": confidence,
		})
	}

	label := intent.LabelUnknown
	var fields map[string]string
	lowConfidence := transcript == "" || confidence < m.script.ConfidenceThreshold
	failure := turnFailed

	if !lowConfidence {
		res, err := m.extractor.Extract(ctx, intent.Request{
			Kind:       m.script.Kind(step),
			Question:   m.script.Prompts[step].Text,
			Transcript: transcript,
		})
		if err != nil {
			// Extractor trouble is treated as low-confidence input, not a
			// call-fatal error.
			m.logger.Printf("dialog: extract failed for call %s at %s: %v", callID, step, err)
			lowConfidence = true
			failure = true
		} else {
			label = res.Label
			fields = res.Fields
			m.events.LogAsync(callID, eventlog.EventIntentExtracted, map[string]any{
				"step": step.String(), "label": string(label),
			})
		}
	}

	if failure {
		sess.ConsecutiveFailures++
		if sess.ConsecutiveFailures >= m.script.MaxConsecutiveFailures {
			return m.terminateLocked(sess, session.OutcomeSystemError, m.script.Apology), nil
		}
	} else {
		sess.ConsecutiveFailures = 0
	}

	if lowConfidence {
		if sess.RepromptCount < m.script.StepRetries {
			sess.RepromptCount++
			reprompt := m.script.Prompts[step].Reprompt
			sess.AppendTurn("agent", reprompt, 0)
			m.events.LogAsync(callID, eventlog.EventReprompt, map[string]any{
				"step": step.String(), "attempt": sess.RepromptCount,
			})
			return NextPrompt{Text: reprompt}, nil
		}
		// Retry budget spent: fall through on the unknown branch rather
		// than looping.
		label = intent.LabelUnknown
		fields = nil
	}

	// A re-asked step may correct the earlier low-confidence answer;
	// otherwise fields are write-once.
	force := sess.RepromptCount > 0
	if f := m.script.Field(step); f != "" && label != intent.LabelUnknown {
		sess.SetField(f, string(label), force)
	}
	for k, v := range fields {
		sess.SetField(k, v, force)
	}

	next := m.script.Next(step, label)
	sess.Step = next
	sess.RepromptCount = 0
	m.events.LogAsync(callID, eventlog.EventStepTransition, map[string]any{
		"from": step.String(), "label": string(label), "to": next.String(),
	})

	if next == script.StepEnding {
		return m.terminateLocked(sess, classifyOutcome(sess.Extracted), m.script.Prompts[script.StepEnding].Text), nil
	}

	prompt := m.script.Prompts[next].Text
	sess.AppendTurn("agent", prompt, 0)
	return NextPrompt{Text: prompt}, nil
}

// End handles the provider's call-ended signal (completed, failed,
// no-answer, busy). It marks the session terminal if the script didn't
// already, and guarantees the outcome is dispatched exactly once no matter
// how many signals arrive.
func (m *Machine) End(callID, providerStatus string) error {
	sess := m.sessions.Get(callID)
	if sess == nil {
		return ErrUnknownSession
	}

	sess.Lock()
	defer sess.Unlock()

	if !sess.Terminal {
		outcome := classifyOutcome(sess.Extracted)
		if providerStatus != "completed" {
			outcome = session.OutcomeIncomplete
		}
		sess.MarkTerminal(outcome)
		m.logger.Printf("dialog: call %s ended by provider (%s), outcome %s", callID, providerStatus, outcome)
	}

	m.scheduleDispatchLocked(sess)
	return nil
}

// terminateLocked finishes the conversation with a closing message.
// Session lock must be held.
func (m *Machine) terminateLocked(sess *session.Session, outcome, closing string) NextPrompt {
	sess.AppendTurn("agent", closing, 0)
	sess.MarkTerminal(outcome)
	m.events.LogAsync(sess.CallID, eventlog.EventCallTerminated, map[string]any{"outcome": outcome})
	m.logger.Printf("dialog: call %s terminated, outcome %s", sess.CallID, outcome)
	m.scheduleDispatchLocked(sess)
	return NextPrompt{Text: closing, EndCall: true}
}

// scheduleDispatchLocked enqueues the outcome exactly once per session.
// Session lock must be held.
func (m *Machine) scheduleDispatchLocked(sess *session.Session) {
	if !sess.ClaimDispatch() {
		return
	}
	metrics.CallsEnded.WithLabelValues(sess.Outcome).Inc()
	sn := sess.Snapshot()
	if m.dispatcher != nil {
		m.dispatcher.Enqueue(sn)
	}
	m.events.LogAsync(sess.CallID, eventlog.EventDispatchEnqueued, map[string]any{"outcome": sess.Outcome})
}

// classifyOutcome derives the call outcome from the extracted answers.
func classifyOutcome(extracted map[string]string) string {
	switch {
	case extracted["wantsAppointment"] == "yes":
		return session.OutcomeAppointmentBooked
	case extracted["wantsSimilar"] == "yes":
		return session.OutcomeWantsSimilar
	case extracted["stillInterested"] == "no":
		return session.OutcomeNotInterested
	default:
		return session.OutcomeIncomplete
	}
}
