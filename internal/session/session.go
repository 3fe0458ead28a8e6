// Package session holds the per-call conversation state and the in-memory
// store that owns it. Exactly one session exists per live call id; all
// mutation happens under the session's lock so concurrent webhook
// deliveries for the same call serialize instead of interleaving.
package session

import (
	"sync"
	"time"

	"github.com/tomasbenes/sara/internal/script"
	"github.com/tomasbenes/sara/internal/speech"
)

// Outcome values recorded when a call reaches a terminal state.
const (
	OutcomeAppointmentBooked = "appointment_booked"
	OutcomeWantsSimilar      = "wants_similar"
	OutcomeNotInterested     = "not_interested"
	OutcomeIncomplete        = "incomplete"
	OutcomeSystemError       = "system_error"
)

// Turn is one entry in a session's append-only turn history.
type Turn struct {
	Speaker    string // "agent" or "customer"
	Text       string
	Timestamp  time.Time
	Confidence float64 // STT confidence for customer turns, 0 for agent turns
}

// Session is the mutable state of one active call. Callers must hold the
// session lock (Lock/Unlock) for any read or write after publication.
type Session struct {
	mu sync.Mutex

	CallID        string
	CustomerPhone string
	CustomerRef   string // record-store lookup key, may be empty if unmatched

	Step      script.Step
	Extracted map[string]string
	Turns     []Turn

	CreatedAt      time.Time
	LastActivityAt time.Time

	Terminal   bool
	Outcome    string
	Dispatched bool

	// RepromptCount is per current step and resets on every transition.
	RepromptCount int
	// ConsecutiveFailures counts extractor/speech errors in a row.
	ConsecutiveFailures int

	// GreetingAudio caches the synthesized greeting so a duplicate
	// call-answered webhook replays it instead of synthesizing again.
	GreetingAudio *speech.AudioRef

	greetingOnce sync.Once
}

// EnsureGreeting returns the cached greeting audio, running synth at most
// once per session. Concurrent duplicate call-answered webhooks block on
// the first synthesis instead of each paying for their own.
func (s *Session) EnsureGreeting(synth func() speech.AudioRef) speech.AudioRef {
	s.greetingOnce.Do(func() {
		ref := synth()
		s.Lock()
		s.GreetingAudio = &ref
		s.Unlock()
	})
	s.Lock()
	defer s.Unlock()
	return *s.GreetingAudio
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch refreshes the activity timestamp. Lock must be held.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}

// AppendTurn appends to the turn history. Lock must be held.
func (s *Session) AppendTurn(speaker, text string, confidence float64) {
	s.Turns = append(s.Turns, Turn{
		Speaker:    speaker,
		Text:       text,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	})
}

// SetField records an extracted field. Fields are write-once per call
// unless force is set (a low-confidence re-ask correcting an earlier
// answer). Lock must be held.
func (s *Session) SetField(name, value string, force bool) {
	if name == "" || value == "" {
		return
	}
	if _, exists := s.Extracted[name]; exists && !force {
		return
	}
	s.Extracted[name] = value
}

// MarkTerminal freezes the session with the given outcome. Subsequent
// webhook events become no-ops. Lock must be held.
func (s *Session) MarkTerminal(outcome string) {
	if s.Terminal {
		return
	}
	s.Terminal = true
	s.Step = script.StepTerminated
	s.Outcome = outcome
}

// ClaimDispatch flips the dispatched flag, returning true exactly once per
// session. Both the terminal script transition and the provider's call-ended
// callback go through this, so dispatch is scheduled once no matter which
// arrives first. Lock must be held.
func (s *Session) ClaimDispatch() bool {
	if s.Dispatched {
		return false
	}
	s.Dispatched = true
	return true
}

// Snapshot is an immutable copy of a session handed to the dispatcher, so
// dispatch work never touches live session state.
type Snapshot struct {
	CallID        string
	CustomerPhone string
	CustomerRef   string
	Outcome       string
	Extracted     map[string]string
	Turns         []Turn
	CreatedAt     time.Time
	EndedAt       time.Time
}

// Snapshot copies the session. Lock must be held.
func (s *Session) Snapshot() Snapshot {
	extracted := make(map[string]string, len(s.Extracted))
	for k, v := range s.Extracted {
		extracted[k] = v
	}
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return Snapshot{
		CallID:        s.CallID,
		CustomerPhone: s.CustomerPhone,
		CustomerRef:   s.CustomerRef,
		Outcome:       s.Outcome,
		Extracted:     extracted,
		Turns:         turns,
		CreatedAt:     s.CreatedAt,
		EndedAt:       time.Now().UTC(),
	}
}

// Duration returns the call duration represented by a snapshot.
func (sn Snapshot) Duration() time.Duration {
	return sn.EndedAt.Sub(sn.CreatedAt)
}
