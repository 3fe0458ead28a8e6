package dialog

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/intent"
	"github.com/tomasbenes/sara/internal/script"
	"github.com/tomasbenes/sara/internal/session"
)

type fakeDispatcher struct {
	snapshots []session.Snapshot
}

func (f *fakeDispatcher) Enqueue(sn session.Snapshot) bool {
	f.snapshots = append(f.snapshots, sn)
	return true
}

func newTestMachine(t *testing.T) (*Machine, *session.Store, *fakeDispatcher) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	sessions := session.NewStore(time.Minute, logger)
	disp := &fakeDispatcher{}
	m := New(script.Default(), sessions, intent.New(nil), disp, eventlog.New(nil), logger)
	return m, sessions, disp
}

func advance(t *testing.T, m *Machine, callID, transcript string) NextPrompt {
	t.Helper()
	np, err := m.Advance(context.Background(), callID, transcript, 0.9, false)
	if err != nil {
		t.Fatalf("Advance(%q): %v", transcript, err)
	}
	return np
}

func TestBeginIsIdempotent(t *testing.T) {
	m, _, _ := newTestMachine(t)

	s1, created := m.Begin("CA1", "+420777123456")
	if !created {
		t.Fatal("first Begin should create")
	}
	if s1.Step != script.StepConfirmInterest {
		t.Errorf("step after Begin = %s", s1.Step)
	}

	s2, created := m.Begin("CA1", "+420777123456")
	if created || s1 != s2 {
		t.Error("duplicate Begin must return the existing session")
	}
}

func TestHappyPathAppointmentBooked(t *testing.T) {
	m, sessions, disp := newTestMachine(t)
	m.Begin("CA1", "+420777123456")
	sc := script.Default()

	np := advance(t, m, "CA1", "yes, I am still interested")
	if np.Text != sc.Prompts[script.StepArrangeAppointment].Text {
		t.Errorf("prompt after interest = %q", np.Text)
	}

	np = advance(t, m, "CA1", "tomorrow at 3 pm works for me")
	if np.Text != sc.Prompts[script.StepCollectEmail].Text {
		t.Errorf("prompt after appointment = %q", np.Text)
	}

	np = advance(t, m, "CA1", "sure, it's jane@example.com")
	if !np.EndCall {
		t.Fatal("conversation should end after the email step")
	}
	if np.Text != sc.Prompts[script.StepEnding].Text {
		t.Errorf("ending text = %q", np.Text)
	}

	sess := sessions.Get("CA1")
	sess.Lock()
	defer sess.Unlock()
	if sess.Outcome != session.OutcomeAppointmentBooked {
		t.Errorf("outcome = %q", sess.Outcome)
	}
	if sess.Extracted["stillInterested"] != "yes" {
		t.Errorf("stillInterested = %q", sess.Extracted["stillInterested"])
	}
	if sess.Extracted["appointmentTime"] != "tomorrow at 3 pm" {
		t.Errorf("appointmentTime = %q", sess.Extracted["appointmentTime"])
	}
	if sess.Extracted["email"] != "jane@example.com" {
		t.Errorf("email = %q", sess.Extracted["email"])
	}
	if len(disp.snapshots) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(disp.snapshots))
	}
	if disp.snapshots[0].Outcome != session.OutcomeAppointmentBooked {
		t.Errorf("dispatched outcome = %q", disp.snapshots[0].Outcome)
	}
}

func TestNotInterestedDeclinesSimilar(t *testing.T) {
	m, sessions, disp := newTestMachine(t)
	m.Begin("CA2", "+1555000111")
	sc := script.Default()

	np := advance(t, m, "CA2", "no, not interested any more")
	if np.Text != sc.Prompts[script.StepOfferSimilar].Text {
		t.Errorf("prompt after refusal = %q", np.Text)
	}

	np = advance(t, m, "CA2", "no thanks")
	if !np.EndCall {
		t.Fatal("call should end after declining similar cars")
	}

	sess := sessions.Get("CA2")
	sess.Lock()
	outcome := sess.Outcome
	sess.Unlock()
	if outcome != session.OutcomeNotInterested {
		t.Errorf("outcome = %q", outcome)
	}
	if len(disp.snapshots) != 1 {
		t.Errorf("dispatched %d times, want 1", len(disp.snapshots))
	}
}

func TestWantsSimilarOutcome(t *testing.T) {
	m, sessions, _ := newTestMachine(t)
	m.Begin("CA3", "+1555000111")

	advance(t, m, "CA3", "no, I already bought one")
	advance(t, m, "CA3", "yes, send it over")
	np := advance(t, m, "CA3", "jane at example dot com")
	if !np.EndCall {
		t.Fatal("call should end after collecting the email")
	}

	sess := sessions.Get("CA3")
	sess.Lock()
	defer sess.Unlock()
	if sess.Outcome != session.OutcomeWantsSimilar {
		t.Errorf("outcome = %q", sess.Outcome)
	}
	if sess.Extracted["email"] != "jane@example.com" {
		t.Errorf("email = %q", sess.Extracted["email"])
	}
}

func TestLowConfidenceRepromptsOnce(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Begin("CA4", "+1")
	sc := script.Default()

	// Below threshold: the step is re-asked, not advanced.
	np, err := m.Advance(context.Background(), "CA4", "mumble", 0.2, false)
	if err != nil {
		t.Fatal(err)
	}
	if np.Text != sc.Prompts[script.StepConfirmInterest].Reprompt {
		t.Errorf("expected reprompt, got %q", np.Text)
	}
	if np.EndCall {
		t.Error("reprompt must not end the call")
	}

	// Second low-confidence answer exhausts the retry budget and takes
	// the unknown branch instead of looping.
	np, err = m.Advance(context.Background(), "CA4", "mumble again", 0.2, false)
	if err != nil {
		t.Fatal(err)
	}
	if np.Text != sc.Prompts[script.StepOfferSimilar].Text {
		t.Errorf("expected unknown-branch transition, got %q", np.Text)
	}
}

func TestRepromptAllowsCorrection(t *testing.T) {
	m, sessions, _ := newTestMachine(t)
	m.Begin("CA5", "+1")

	// Low confidence, then a clear yes on the re-ask.
	if _, err := m.Advance(context.Background(), "CA5", "eh", 0.1, false); err != nil {
		t.Fatal(err)
	}
	advance(t, m, "CA5", "yes")

	sess := sessions.Get("CA5")
	sess.Lock()
	defer sess.Unlock()
	if sess.Step != script.StepArrangeAppointment {
		t.Errorf("step = %s", sess.Step)
	}
	if sess.Extracted["stillInterested"] != "yes" {
		t.Errorf("stillInterested = %q", sess.Extracted["stillInterested"])
	}
}

func TestConsecutiveFailuresTerminateCall(t *testing.T) {
	m, sessions, disp := newTestMachine(t)
	m.Begin("CA6", "+1")
	sc := script.Default()

	// Two degraded turns survive; the third trips the failure budget.
	for i := 0; i < 2; i++ {
		np, err := m.Advance(context.Background(), "CA6", "", 0, true)
		if err != nil {
			t.Fatal(err)
		}
		if np.EndCall {
			t.Fatalf("call ended after %d failures", i+1)
		}
	}

	np, err := m.Advance(context.Background(), "CA6", "", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !np.EndCall {
		t.Fatal("third consecutive failure should end the call")
	}
	if np.Text != sc.Apology {
		t.Errorf("closing text = %q, want apology", np.Text)
	}

	sess := sessions.Get("CA6")
	sess.Lock()
	outcome := sess.Outcome
	sess.Unlock()
	if outcome != session.OutcomeSystemError {
		t.Errorf("outcome = %q", outcome)
	}
	if len(disp.snapshots) != 1 {
		t.Errorf("dispatched %d times, want 1", len(disp.snapshots))
	}
}

func TestSuccessResetsFailureBudget(t *testing.T) {
	m, sessions, _ := newTestMachine(t)
	m.Begin("CA7", "+1")

	if _, err := m.Advance(context.Background(), "CA7", "", 0, true); err != nil {
		t.Fatal(err)
	}
	advance(t, m, "CA7", "yes")

	sess := sessions.Get("CA7")
	sess.Lock()
	defer sess.Unlock()
	if sess.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after a good turn", sess.ConsecutiveFailures)
	}
}

func TestEndDispatchesIncomplete(t *testing.T) {
	m, _, disp := newTestMachine(t)
	m.Begin("CA8", "+1")
	advance(t, m, "CA8", "yes")

	if err := m.End("CA8", "completed"); err != nil {
		t.Fatal(err)
	}
	if len(disp.snapshots) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(disp.snapshots))
	}
	if disp.snapshots[0].Outcome != session.OutcomeIncomplete {
		t.Errorf("outcome = %q, want incomplete mid-script", disp.snapshots[0].Outcome)
	}

	// A second call-ended signal must not dispatch again.
	if err := m.End("CA8", "completed"); err != nil {
		t.Fatal(err)
	}
	if len(disp.snapshots) != 1 {
		t.Errorf("redelivered end signal dispatched again")
	}
}

func TestEndAfterScriptTerminalDoesNotRedispatch(t *testing.T) {
	m, _, disp := newTestMachine(t)
	m.Begin("CA9", "+1")
	advance(t, m, "CA9", "no, not interested")
	advance(t, m, "CA9", "no thanks")

	if err := m.End("CA9", "completed"); err != nil {
		t.Fatal(err)
	}
	if len(disp.snapshots) != 1 {
		t.Errorf("dispatched %d times, want 1", len(disp.snapshots))
	}
	if disp.snapshots[0].Outcome != session.OutcomeNotInterested {
		t.Errorf("outcome = %q", disp.snapshots[0].Outcome)
	}
}

func TestEndFailedCallIsIncomplete(t *testing.T) {
	m, _, disp := newTestMachine(t)
	m.Begin("CA10", "+1")

	if err := m.End("CA10", "no-answer"); err != nil {
		t.Fatal(err)
	}
	if len(disp.snapshots) != 1 {
		t.Fatal("expected one dispatch")
	}
	if disp.snapshots[0].Outcome != session.OutcomeIncomplete {
		t.Errorf("outcome = %q", disp.snapshots[0].Outcome)
	}
}

func TestUnknownSession(t *testing.T) {
	m, _, _ := newTestMachine(t)

	if _, err := m.Advance(context.Background(), "nope", "yes", 0.9, false); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Advance err = %v", err)
	}
	if err := m.End("nope", "completed"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("End err = %v", err)
	}
}

func TestAdvanceAfterTerminal(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Begin("CA11", "+1")
	_ = m.End("CA11", "completed")

	np, err := m.Advance(context.Background(), "CA11", "yes", 0.9, false)
	if !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("err = %v, want ErrSessionTerminal", err)
	}
	if !np.EndCall {
		t.Error("late turn on a terminal session should hang up")
	}
}
