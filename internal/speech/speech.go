// Package speech unifies the primary and fallback text-to-speech and
// speech-to-text providers behind one adapter. Provider failures degrade
// the result instead of failing the call: TTS falls back to telephony
// <Say> markup, STT to an empty zero-confidence transcript.
package speech

import "context"

// AudioRef points at a synthesized prompt. When Degraded is set no audio
// was produced and Text should be rendered with the telephony provider's
// built-in voice instead.
type AudioRef struct {
	ID       string
	URL      string
	Text     string
	Degraded bool
}

// Transcript is a speech-to-text result.
type Transcript struct {
	Text       string
	Confidence float64 // 0-1; 0 for the degraded sentinel
	Degraded   bool
}

// Synthesizer converts prompt text into a playable audio reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (AudioRef, error)
}

// Transcriber converts a recorded utterance (by URL) into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (Transcript, error)
}

// TTSProvider is one concrete text-to-speech backend.
type TTSProvider interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// STTProvider is one concrete speech-to-text backend.
type STTProvider interface {
	Name() string
	Transcribe(ctx context.Context, audioURL string) (Transcript, error)
}
