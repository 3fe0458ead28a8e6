package intent

import (
	"regexp"
	"strings"
)

// Negative phrases are checked before affirmatives: "not interested"
// contains "interested" and must not match as a yes.
var noPhrases = []string{
	"not interested",
	"no longer interested",
	"not any more",
	"not anymore",
	"no thanks",
	"no thank you",
	"don't call",
	"do not call",
	"stop calling",
	"already bought",
	"already sold",
	"changed my mind",
	"nope",
	"nah",
}

var yesPhrases = []string{
	"yes",
	"yeah",
	"yep",
	"sure",
	"definitely",
	"absolutely",
	"of course",
	"correct",
	"that's right",
	"sounds good",
	"still interested",
	"i am interested",
	"i'm interested",
	"okay",
	"ok",
}

// matchYesNo runs the keyword rule layer. Returns (label, true) only when
// the transcript is unambiguous; mixed signals fall through to the LLM.
func matchYesNo(transcript string) (Label, bool) {
	t := " " + strings.ToLower(strings.TrimSpace(transcript)) + " "

	sawNo := containsPhrase(t, noPhrases) || containsWord(t, "no")
	sawYes := containsPhrase(t, yesPhrases)

	// "no longer interested" etc. win over an embedded affirmative.
	if sawNo && !strings.Contains(t, " yes ") {
		return LabelNo, true
	}
	if sawYes && !sawNo {
		return LabelYes, true
	}
	return LabelUnknown, false
}

func containsPhrase(t string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(t, " "+p+" ") || strings.Contains(t, " "+p+",") || strings.Contains(t, " "+p+".") {
			return true
		}
	}
	return false
}

func containsWord(t, word string) bool {
	return strings.Contains(t, " "+word+" ") || strings.Contains(t, " "+word+",") || strings.Contains(t, " "+word+".")
}

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// spokenEmailReplacer normalizes dictated addresses ("john dot smith at
// gmail dot com") before the regex runs.
var spokenEmailReplacer = strings.NewReplacer(
	" at ", "@",
	" dot ", ".",
	" underscore ", "_",
	" dash ", "-",
	" minus ", "-",
)

// ParseEmail extracts an email address from a transcript, handling both
// written and dictated forms. Returns false when nothing parseable is found.
func ParseEmail(transcript string) (string, bool) {
	t := strings.ToLower(transcript)
	if m := emailRe.FindString(t); m != "" {
		return m, true
	}
	normalized := spokenEmailReplacer.Replace(" " + t + " ")
	normalized = strings.ReplaceAll(normalized, " ", "")
	if m := emailRe.FindString(normalized); m != "" {
		return m, true
	}
	return "", false
}

var (
	weekdayRe  = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	relDayRe   = regexp.MustCompile(`(?i)\b(today|tomorrow|day after tomorrow|next week|this week|weekend)\b`)
	clockRe    = regexp.MustCompile(`(?i)\b((at\s+)?\d{1,2}([:.]\d{2})?\s*(a\.?m\.?|p\.?m\.?|o'?clock)?)\b`)
	dayPartRe  = regexp.MustCompile(`(?i)\b(morning|afternoon|evening|noon|lunchtime)\b`)
	monthDayRe = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(st|nd|rd|th)?\b`)
)

// ParseTimePhrase extracts an appointment time phrase from a transcript.
// The result is the matched natural-language phrase, not a resolved
// timestamp; downstream scheduling owns the calendar math. Returns false
// when no usable day reference is present (a bare clock time is ambiguous).
func ParseTimePhrase(transcript string) (string, bool) {
	var parts []string

	day := monthDayRe.FindString(transcript)
	if day == "" {
		day = weekdayRe.FindString(transcript)
	}
	if day == "" {
		day = relDayRe.FindString(transcript)
	}
	if day == "" {
		return "", false
	}
	parts = append(parts, day)

	if clock := clockRe.FindString(transcript); clock != "" {
		parts = append(parts, strings.TrimSpace(clock))
	} else if part := dayPartRe.FindString(transcript); part != "" {
		parts = append(parts, part)
	}

	return strings.ToLower(strings.Join(parts, " ")), true
}
