package speech

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

type fakeTTS struct {
	name  string
	fails int
	calls int
	audio []byte
}

func (f *fakeTTS) Name() string { return f.name }

func (f *fakeTTS) Synthesize(_ context.Context, _, _ string) ([]byte, error) {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, errors.New(f.name + " down")
	}
	return f.audio, nil
}

type fakeSTT struct {
	name  string
	fails int
	calls int
	text  string
}

func (f *fakeSTT) Name() string { return f.name }

func (f *fakeSTT) Transcribe(_ context.Context, _ string) (Transcript, error) {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return Transcript{}, errors.New(f.name + " down")
	}
	return Transcript{Text: f.text, Confidence: 0.9}, nil
}

func newTestAdapter(tts []TTSProvider, stt []STTProvider) *Adapter {
	return NewAdapter(AdapterConfig{
		PublicBaseURL:    "https://sara.example.com",
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, log.New(io.Discard, "", 0), NewAudioCache(time.Minute), tts, stt)
}

func TestSynthesizePrimary(t *testing.T) {
	primary := &fakeTTS{name: "primary", audio: []byte("audio-1")}
	backup := &fakeTTS{name: "backup", audio: []byte("audio-2")}
	a := newTestAdapter([]TTSProvider{primary, backup}, nil)

	ref, err := a.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Degraded {
		t.Fatal("unexpected degraded ref")
	}
	if !strings.HasPrefix(ref.URL, "https://sara.example.com/audio/") {
		t.Errorf("URL = %q", ref.URL)
	}
	if backup.calls != 0 {
		t.Error("backup provider used while primary is healthy")
	}

	audio, ok := a.cache.Get(ref.ID)
	if !ok || string(audio) != "audio-1" {
		t.Errorf("cached audio = %q, ok=%v", audio, ok)
	}
}

func TestSynthesizeFallsBack(t *testing.T) {
	primary := &fakeTTS{name: "primary", fails: 1}
	backup := &fakeTTS{name: "backup", audio: []byte("backup-audio")}
	a := newTestAdapter([]TTSProvider{primary, backup}, nil)

	ref, err := a.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Degraded {
		t.Fatal("fallback should produce real audio")
	}
	if backup.calls != 1 {
		t.Errorf("backup calls = %d, want 1", backup.calls)
	}
}

func TestSynthesizeDegradedWhenAllFail(t *testing.T) {
	primary := &fakeTTS{name: "primary", fails: 10}
	backup := &fakeTTS{name: "backup", fails: 10}
	a := newTestAdapter([]TTSProvider{primary, backup}, nil)

	ref, err := a.Synthesize(context.Background(), "hello there", "")
	if err != nil {
		t.Fatalf("degraded synthesis must not error: %v", err)
	}
	if !ref.Degraded {
		t.Fatal("expected degraded ref")
	}
	if ref.Text != "hello there" {
		t.Errorf("degraded text = %q", ref.Text)
	}
}

func TestBreakerSkipsFailingProvider(t *testing.T) {
	primary := &fakeTTS{name: "primary", fails: 100}
	backup := &fakeTTS{name: "backup", audio: []byte("x")}
	a := newTestAdapter([]TTSProvider{primary, backup}, nil)

	// Threshold is 2: two failing rounds open the primary's circuit.
	for i := 0; i < 3; i++ {
		if _, err := a.Synthesize(context.Background(), "hi", ""); err != nil {
			t.Fatal(err)
		}
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2 (skipped once open)", primary.calls)
	}
	if backup.calls != 3 {
		t.Errorf("backup calls = %d, want 3", backup.calls)
	}
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	b := newBreaker(2, 10*time.Millisecond)

	b.failure()
	b.failure()
	if b.allow() {
		t.Fatal("breaker should be open after threshold failures")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.allow() {
		t.Fatal("breaker should allow a probe after the cooldown")
	}

	b.success()
	if !b.allow() {
		t.Fatal("breaker should close after a success")
	}
}

func TestTranscribeFallsBack(t *testing.T) {
	primary := &fakeSTT{name: "primary", fails: 1}
	backup := &fakeSTT{name: "backup", text: "yes please"}
	a := newTestAdapter(nil, []STTProvider{primary, backup})

	tr, err := a.Transcribe(context.Background(), "https://example.com/rec.wav")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Degraded {
		t.Fatal("fallback transcript should not be degraded")
	}
	if tr.Text != "yes please" {
		t.Errorf("text = %q", tr.Text)
	}
}

func TestTranscribeDegradedSentinel(t *testing.T) {
	primary := &fakeSTT{name: "primary", fails: 10}
	a := newTestAdapter(nil, []STTProvider{primary})

	tr, err := a.Transcribe(context.Background(), "https://example.com/rec.wav")
	if err != nil {
		t.Fatalf("degraded transcription must not error: %v", err)
	}
	if !tr.Degraded || tr.Text != "" || tr.Confidence != 0 {
		t.Errorf("degraded sentinel = %+v", tr)
	}
}

func TestAudioCacheExpiry(t *testing.T) {
	c := NewAudioCache(10 * time.Millisecond)
	id := c.Put([]byte("payload"))

	if audio, ok := c.Get(id); !ok || string(audio) != "payload" {
		t.Fatalf("fresh entry missing: ok=%v", ok)
	}

	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get(id); ok {
		t.Error("expired entry still served")
	}
}
