package intent

import "context"

// Label is a classified customer response category. The set is closed:
// anything a classifier produces outside of it is coerced to LabelUnknown
// before it reaches the conversation engine.
type Label string

const (
	LabelYes     Label = "yes"
	LabelNo      Label = "no"
	LabelUnknown Label = "unknown"
)

// Kind describes what the current script step is asking for, so the
// extractor knows which parsers to run.
type Kind string

const (
	KindYesNo    Kind = "yes_no"
	KindDateTime Kind = "date_time" // yes/no plus an appointment time
	KindEmail    Kind = "email"
)

// Request carries one utterance to classify.
type Request struct {
	Kind       Kind
	Question   string // the prompt the customer was answering, for LLM context
	Transcript string
}

// Result is the classification outcome. Fields holds structured values
// extracted from the transcript (e.g. "email", "appointmentTime").
type Result struct {
	Label  Label
	Fields map[string]string
}

// Classifier is the fallback used when the rule layer cannot decide.
// Implementations must return one of the allowed labels; the extractor
// validates the output regardless.
type Classifier interface {
	Classify(ctx context.Context, req Request, allowed []Label) (Label, error)
}

// Extractor classifies transcripts with a deterministic rule layer first
// and falls back to a constrained LLM classification when the rules
// cannot decide. A nil classifier disables the fallback.
type Extractor struct {
	classifier Classifier
}

// New creates an Extractor. classifier may be nil.
func New(classifier Classifier) *Extractor {
	return &Extractor{classifier: classifier}
}

// allowedLabels returns the finite label set for a step kind.
func allowedLabels(kind Kind) []Label {
	// Every kind currently resolves to yes/no/unknown; kept per kind so a
	// future step type can narrow the set.
	switch kind {
	default:
		return []Label{LabelYes, LabelNo, LabelUnknown}
	}
}

// validate coerces out-of-set labels to unknown.
func validate(l Label, allowed []Label) Label {
	for _, a := range allowed {
		if l == a {
			return l
		}
	}
	return LabelUnknown
}

// Extract classifies the transcript for the given request. It never returns
// a label outside the allowed set. An error is returned only when the rule
// layer could not decide and the fallback classifier failed; the caller is
// expected to treat that as low-confidence input, not a fatal condition.
func (e *Extractor) Extract(ctx context.Context, req Request) (Result, error) {
	res := Result{Label: LabelUnknown, Fields: map[string]string{}}
	if req.Transcript == "" {
		return res, nil
	}

	// Structured fields come from dedicated parsers only; the LLM is never
	// trusted for emails or times.
	switch req.Kind {
	case KindEmail:
		if email, ok := ParseEmail(req.Transcript); ok {
			res.Fields["email"] = email
			res.Label = LabelYes
			return res, nil
		}
	case KindDateTime:
		if when, ok := ParseTimePhrase(req.Transcript); ok {
			res.Fields["appointmentTime"] = when
			res.Label = LabelYes
			return res, nil
		}
	}

	if label, ok := matchYesNo(req.Transcript); ok {
		res.Label = label
		return res, nil
	}

	if e.classifier == nil {
		return res, nil
	}

	allowed := allowedLabels(req.Kind)
	label, err := e.classifier.Classify(ctx, req, allowed)
	if err != nil {
		return res, err
	}
	res.Label = validate(label, allowed)

	// A model that claims "yes" on an email or date question without the
	// parsers having found anything usable is not actionable.
	if res.Label == LabelYes && (req.Kind == KindEmail || req.Kind == KindDateTime) && len(res.Fields) == 0 {
		res.Label = LabelUnknown
	}
	return res, nil
}
