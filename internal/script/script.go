// Package script defines the fixed outbound-call conversation outline:
// the ordered script steps, the prompt texts, and the transition table
// that maps (step, classified intent) to the next step. The script is
// loaded once at startup and never mutated afterwards.
package script

import (
	"fmt"
	"os"

	"github.com/tomasbenes/sara/internal/intent"
	"gopkg.in/yaml.v3"
)

// Step is one stage of the conversation outline. Steps only ever move
// forward (or jump to StepTerminated); the transition table is cycle-free.
type Step int

const (
	StepGreeting Step = iota
	StepConfirmInterest
	StepArrangeAppointment
	StepOfferSimilar
	StepCollectEmail
	StepEnding
	StepTerminated
)

var stepNames = map[Step]string{
	StepGreeting:           "greeting",
	StepConfirmInterest:    "confirm_interest",
	StepArrangeAppointment: "arrange_appointment",
	StepOfferSimilar:       "offer_similar",
	StepCollectEmail:       "collect_email",
	StepEnding:             "ending",
	StepTerminated:         "terminated",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Prompt holds the texts spoken at one step. Reprompt is used when the
// customer's answer came back empty or below the confidence threshold.
type Prompt struct {
	Text     string `yaml:"prompt"`
	Reprompt string `yaml:"reprompt"`
}

// Script is the immutable conversation configuration. Build one with
// Default or Load and share it by reference; nothing mutates it at runtime.
type Script struct {
	// ConfidenceThreshold below which a transcript triggers the re-prompt
	// policy instead of being classified.
	ConfidenceThreshold float64
	// StepRetries is how many times a single step may be re-prompted
	// before falling back to the unknown branch.
	StepRetries int
	// MaxConsecutiveFailures is how many extractor/speech failures in a
	// row force a graceful system_error termination.
	MaxConsecutiveFailures int

	Prompts map[Step]Prompt
	// Apology is spoken before hanging up on a system_error termination.
	Apology string

	transitions map[Step]map[intent.Label]Step
}

// Kind returns what the given step is asking the customer for.
func (s *Script) Kind(step Step) intent.Kind {
	switch step {
	case StepArrangeAppointment:
		return intent.KindDateTime
	case StepCollectEmail:
		return intent.KindEmail
	default:
		return intent.KindYesNo
	}
}

// Field returns the extractedData field a step's yes/no answer is recorded
// under, or "" for steps that do not record one.
func (s *Script) Field(step Step) string {
	switch step {
	case StepConfirmInterest:
		return "stillInterested"
	case StepArrangeAppointment:
		return "wantsAppointment"
	case StepOfferSimilar:
		return "wantsSimilar"
	default:
		return ""
	}
}

// Next computes the step after (from, label) per the transition table.
// Unmapped combinations fall through to StepEnding so the call always
// reaches a terminal step.
func (s *Script) Next(from Step, label intent.Label) Step {
	if row, ok := s.transitions[from]; ok {
		if to, ok := row[label]; ok {
			return to
		}
	}
	return StepEnding
}

// Default returns the built-in script for the vehicle sales follow-up flow.
func Default() *Script {
	return &Script{
		ConfidenceThreshold:    0.55,
		StepRetries:            1,
		MaxConsecutiveFailures: 3,
		Prompts: map[Step]Prompt{
			StepGreeting: {
				Text: "Hi, this is Sara calling from the dealership about the car you asked about. " +
					"Are you still interested in it?",
				Reprompt: "Sorry, I didn't catch that. Are you still interested in the car you asked about?",
			},
			StepConfirmInterest: {
				Text:     "Are you still interested in the car you asked about?",
				Reprompt: "Sorry, I didn't catch that. Are you still interested in the car?",
			},
			StepArrangeAppointment: {
				Text:     "Great. Would you like to come by for a viewing? Just tell me a day and time that works for you.",
				Reprompt: "Sorry, I didn't get that. What day and time would suit you for a viewing?",
			},
			StepOfferSimilar: {
				Text:     "No problem. We have a few similar cars in stock. Would you like me to send you an overview?",
				Reprompt: "Sorry, I missed that. Should I send you an overview of similar cars?",
			},
			StepCollectEmail: {
				Text:     "Perfect. What email address should I send that to?",
				Reprompt: "Sorry, I didn't catch the address. Could you spell out your email for me?",
			},
			StepEnding: {
				Text: "Thank you for your time. Have a great day, goodbye!",
			},
		},
		Apology: "I'm sorry, I'm having technical difficulties right now. " +
			"A colleague will get back to you shortly. Goodbye!",
		transitions: map[Step]map[intent.Label]Step{
			StepGreeting: {
				intent.LabelYes:     StepConfirmInterest,
				intent.LabelNo:      StepConfirmInterest,
				intent.LabelUnknown: StepConfirmInterest,
			},
			StepConfirmInterest: {
				intent.LabelYes:     StepArrangeAppointment,
				intent.LabelNo:      StepOfferSimilar,
				intent.LabelUnknown: StepOfferSimilar,
			},
			StepArrangeAppointment: {
				intent.LabelYes:     StepCollectEmail,
				intent.LabelNo:      StepOfferSimilar,
				intent.LabelUnknown: StepOfferSimilar,
			},
			StepOfferSimilar: {
				intent.LabelYes:     StepCollectEmail,
				intent.LabelNo:      StepEnding,
				intent.LabelUnknown: StepEnding,
			},
			StepCollectEmail: {
				intent.LabelYes:     StepEnding,
				intent.LabelNo:      StepEnding,
				intent.LabelUnknown: StepEnding,
			},
		},
	}
}

// fileScript is the YAML shape for script overrides. Only set values
// replace the defaults; the transition table is not overridable.
type fileScript struct {
	ConfidenceThreshold    *float64          `yaml:"confidence_threshold"`
	StepRetries            *int              `yaml:"step_retries"`
	MaxConsecutiveFailures *int              `yaml:"max_consecutive_failures"`
	Apology                string            `yaml:"apology"`
	Steps                  map[string]Prompt `yaml:"steps"`
}

// Load reads YAML overrides from path and merges them over the default
// script. An empty path returns the defaults unchanged.
func Load(path string) (*Script, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}

	var f fileScript
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse script file: %w", err)
	}

	if f.ConfidenceThreshold != nil {
		s.ConfidenceThreshold = *f.ConfidenceThreshold
	}
	if f.StepRetries != nil {
		s.StepRetries = *f.StepRetries
	}
	if f.MaxConsecutiveFailures != nil {
		s.MaxConsecutiveFailures = *f.MaxConsecutiveFailures
	}
	if f.Apology != "" {
		s.Apology = f.Apology
	}

	for name, override := range f.Steps {
		var step Step
		found := false
		for st, n := range stepNames {
			if n == name {
				step, found = st, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("script file: unknown step %q", name)
		}
		p := s.Prompts[step]
		if override.Text != "" {
			p.Text = override.Text
		}
		if override.Reprompt != "" {
			p.Reprompt = override.Reprompt
		}
		s.Prompts[step] = p
	}

	return s, nil
}
