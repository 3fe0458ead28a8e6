package store

import (
	"testing"

	"github.com/tomasbenes/sara/internal/session"
)

func TestStatusForOutcome(t *testing.T) {
	tests := []struct {
		outcome string
		want    string
	}{
		{session.OutcomeAppointmentBooked, "completed"},
		{session.OutcomeWantsSimilar, "completed"},
		{session.OutcomeNotInterested, "completed"},
		// A call that never finished the script keeps the telephony status
		// (failed, busy, no-answer) instead of claiming completion.
		{session.OutcomeIncomplete, ""},
		{session.OutcomeSystemError, ""},
	}

	for _, tt := range tests {
		if got := statusForOutcome(tt.outcome); got != tt.want {
			t.Errorf("statusForOutcome(%s) = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}
