package speech

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/tomasbenes/sara/internal/metrics"
)

// AdapterConfig configures provider fallback behavior.
type AdapterConfig struct {
	PublicBaseURL    string
	ProviderTimeout  time.Duration // per-attempt timeout, default 3s
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type ttsEntry struct {
	provider TTSProvider
	breaker  *breaker
}

type sttEntry struct {
	provider STTProvider
	breaker  *breaker
}

// Adapter tries providers in order, primary first. Attempts within one
// call run sequentially so the same request is never billed twice;
// different calls go through the adapter fully in parallel.
type Adapter struct {
	cfg    AdapterConfig
	logger *log.Logger
	cache  *AudioCache
	tts    []ttsEntry
	stt    []sttEntry
}

// NewAdapter creates the speech adapter. Provider order is significant:
// index 0 is the primary.
func NewAdapter(cfg AdapterConfig, logger *log.Logger, cache *AudioCache, tts []TTSProvider, stt []STTProvider) *Adapter {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 3 * time.Second
	}
	a := &Adapter{cfg: cfg, logger: logger, cache: cache}
	for _, p := range tts {
		a.tts = append(a.tts, ttsEntry{provider: p, breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)})
	}
	for _, p := range stt {
		a.stt = append(a.stt, sttEntry{provider: p, breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)})
	}
	return a
}

// Synthesize converts text to audio, falling back across providers. When
// every provider fails it returns a degraded ref that tells the caller to
// use the telephony provider's built-in voice; it never returns an error
// that would abort the call.
func (a *Adapter) Synthesize(ctx context.Context, text, voice string) (AudioRef, error) {
	for i, e := range a.tts {
		if !e.breaker.allow() {
			a.logger.Printf("speech: tts provider %s circuit open, skipping", e.provider.Name())
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
		audio, err := e.provider.Synthesize(attemptCtx, text, voice)
		cancel()

		if err != nil {
			e.breaker.failure()
			metrics.SpeechProviderErrors.WithLabelValues("tts", e.provider.Name()).Inc()
			a.logger.Printf("speech: tts provider %s failed: %v", e.provider.Name(), err)
			continue
		}

		e.breaker.success()
		if i > 0 {
			metrics.SpeechFallbacks.WithLabelValues("tts").Inc()
		}
		id := a.cache.Put(audio)
		return AudioRef{
			ID:   id,
			URL:  strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/audio/" + id,
			Text: text,
		}, nil
	}

	a.logger.Printf("speech: all tts providers failed, returning degraded ref")
	metrics.SpeechDegraded.WithLabelValues("tts").Inc()
	return AudioRef{Text: text, Degraded: true}, nil
}

// Transcribe converts a recording URL to text, falling back across
// providers. When every provider fails it returns the degraded sentinel
// (empty transcript, zero confidence) so the conversation engine can run
// its re-prompt policy instead of crashing the call.
func (a *Adapter) Transcribe(ctx context.Context, audioURL string) (Transcript, error) {
	for i, e := range a.stt {
		if !e.breaker.allow() {
			a.logger.Printf("speech: stt provider %s circuit open, skipping", e.provider.Name())
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
		tr, err := e.provider.Transcribe(attemptCtx, audioURL)
		cancel()

		if err != nil {
			e.breaker.failure()
			metrics.SpeechProviderErrors.WithLabelValues("stt", e.provider.Name()).Inc()
			a.logger.Printf("speech: stt provider %s failed: %v", e.provider.Name(), err)
			continue
		}

		e.breaker.success()
		if i > 0 {
			metrics.SpeechFallbacks.WithLabelValues("stt").Inc()
		}
		return tr, nil
	}

	a.logger.Printf("speech: all stt providers failed, returning degraded transcript")
	metrics.SpeechDegraded.WithLabelValues("stt").Inc()
	return Transcript{Degraded: true}, nil
}
