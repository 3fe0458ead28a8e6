package dispatch

import (
	"time"

	"github.com/tomasbenes/sara/internal/session"
)

// NextAction maps a call outcome to the follow-up the workflow engine
// should drive.
func NextAction(outcome string) string {
	switch outcome {
	case session.OutcomeAppointmentBooked:
		return "confirm_appointment"
	case session.OutcomeWantsSimilar:
		return "send_similar_listings"
	case session.OutcomeNotInterested:
		return "close_lead"
	case session.OutcomeSystemError:
		return "manual_follow_up"
	default:
		return "retry_call"
	}
}

// buildEvent packages a terminal session snapshot into the workflow event
// body.
func buildEvent(sn session.Snapshot) WorkflowEvent {
	turns := make([]map[string]any, 0, len(sn.Turns))
	for _, t := range sn.Turns {
		turns = append(turns, map[string]any{
			"speaker":   t.Speaker,
			"text":      t.Text,
			"timestamp": t.Timestamp.Format(time.RFC3339),
		})
	}

	return WorkflowEvent{
		Event:     "call.completed",
		Timestamp: sn.EndedAt,
		Data: map[string]any{
			"call_id":          sn.CallID,
			"customer_ref":     sn.CustomerRef,
			"customer_phone":   sn.CustomerPhone,
			"outcome":          sn.Outcome,
			"next_action":      NextAction(sn.Outcome),
			"extracted":        sn.Extracted,
			"turns":            turns,
			"duration_seconds": int(sn.Duration().Seconds()),
		},
	}
}

// recordFields flattens a snapshot into the outcome columns written to the
// record store.
func recordFields(sn session.Snapshot) map[string]string {
	fields := map[string]string{
		"call_id":     sn.CallID,
		"outcome":     sn.Outcome,
		"next_action": NextAction(sn.Outcome),
		"called_at":   sn.CreatedAt.Format(time.RFC3339),
	}
	for k, v := range sn.Extracted {
		fields[k] = v
	}
	return fields
}
