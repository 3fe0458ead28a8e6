package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomasbenes/sara/internal/dialog"
	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/intent"
	"github.com/tomasbenes/sara/internal/records"
	"github.com/tomasbenes/sara/internal/script"
	"github.com/tomasbenes/sara/internal/session"
	"github.com/tomasbenes/sara/internal/speech"
)

type routerTTS struct {
	fail bool

	mu    sync.Mutex
	calls int
}

func (f *routerTTS) Name() string { return "fake-tts" }

func (f *routerTTS) Synthesize(_ context.Context, _, _ string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("tts down")
	}
	return []byte("fake-audio"), nil
}

func (f *routerTTS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type routerSTT struct {
	text string
	fail bool
}

func (f *routerSTT) Name() string { return "fake-stt" }

func (f *routerSTT) Transcribe(_ context.Context, _ string) (speech.Transcript, error) {
	if f.fail {
		return speech.Transcript{}, errors.New("stt down")
	}
	return speech.Transcript{Text: f.text, Confidence: 0.9}, nil
}

type routerDispatcher struct {
	snapshots []session.Snapshot
}

func (f *routerDispatcher) Enqueue(sn session.Snapshot) bool {
	f.snapshots = append(f.snapshots, sn)
	return true
}

type testEnv struct {
	handler  http.Handler
	sessions *session.Store
	registry *CallRegistry
	disp     *routerDispatcher
	tts      *routerTTS
	stt      *routerSTT
	audio    *speech.AudioCache
}

// newTestEnv builds a router around fake speech providers. degradedTTS
// forces <Say> markup so prompt texts are visible in responses.
func newTestEnv(t *testing.T, degradedTTS bool) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	recordsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode([]records.Customer{{
			Ref:   "cust-42",
			Phone: req.URL.Query().Get("phone"),
			Name:  "Jan Novak",
		}})
	}))
	t.Cleanup(recordsSrv.Close)

	sessions := session.NewStore(time.Minute, logger)
	audio := speech.NewAudioCache(time.Minute)
	tts := &routerTTS{fail: degradedTTS}
	stt := &routerSTT{text: "yes"}
	adapter := speech.NewAdapter(
		speech.AdapterConfig{PublicBaseURL: "https://sara.example.com", BreakerThreshold: 100},
		logger, audio,
		[]speech.TTSProvider{tts},
		[]speech.STTProvider{stt},
	)
	disp := &routerDispatcher{}
	machine := dialog.New(script.Default(), sessions, intent.New(nil), disp, eventlog.New(nil), logger)
	registry := NewCallRegistry()

	cfg := RouterConfig{
		PublicBaseURL:    "https://sara.example.com",
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "secret",
		TwilioFromNumber: "+420111222333",
		JWTSecret:        "test-jwt-secret",
		JWTExpiry:        time.Hour,
		OperatorAPIKey:   "operator-key",
	}

	handler := NewRouter(cfg, logger, nil, sessions, machine,
		adapter, audio, records.New(records.Config{BaseURL: recordsSrv.URL, APIKey: "k"}),
		eventlog.New(nil), registry)

	return &testEnv{
		handler:  handler,
		sessions: sessions,
		registry: registry,
		disp:     disp,
		tts:      tts,
		stt:      stt,
		audio:    audio,
	}
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func answerCall(t *testing.T, env *testEnv, callSid string) *httptest.ResponseRecorder {
	t.Helper()
	return postForm(t, env.handler, "/voice", url.Values{
		"CallSid": {callSid},
		"From":    {"+420111222333"},
		"To":      {"+420777123456"},
	})
}

func TestVoiceWebhookStartsConversation(t *testing.T) {
	env := newTestEnv(t, false)

	w := answerCall(t, env, "CA1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, `input="speech"`) {
		t.Errorf("missing gather verb: %s", body)
	}
	if !strings.Contains(body, "action=\"https://sara.example.com/gather/CA1\"") {
		t.Errorf("wrong gather action: %s", body)
	}
	if !strings.Contains(body, "<Play>https://sara.example.com/audio/") {
		t.Errorf("missing play verb: %s", body)
	}
	if !strings.Contains(body, "<Redirect") {
		t.Errorf("missing no-input redirect: %s", body)
	}

	sess := env.sessions.Get("CA1")
	if sess == nil {
		t.Fatal("no session created")
	}
	sess.Lock()
	if sess.CustomerRef != "cust-42" {
		t.Errorf("customer ref = %q", sess.CustomerRef)
	}
	sess.Unlock()
	if env.registry.ActiveCount() != 1 {
		t.Errorf("active calls = %d", env.registry.ActiveCount())
	}
}

func TestVoiceWebhookIsIdempotent(t *testing.T) {
	env := newTestEnv(t, false)

	first := answerCall(t, env, "CA1").Body.String()
	second := answerCall(t, env, "CA1").Body.String()

	if first != second {
		t.Error("duplicate webhook produced different markup (greeting re-synthesized)")
	}
	if env.registry.ActiveCount() != 1 {
		t.Errorf("active calls = %d, want 1", env.registry.ActiveCount())
	}
}

func TestConcurrentDuplicateWebhooksSynthesizeOnce(t *testing.T) {
	env := newTestEnv(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answerCall(t, env, "CA1")
		}()
	}
	wg.Wait()

	if got := env.tts.callCount(); got != 1 {
		t.Errorf("greeting synthesized %d times across duplicates, want 1", got)
	}
	if env.registry.ActiveCount() != 1 {
		t.Errorf("active calls = %d, want 1", env.registry.ActiveCount())
	}
}

func TestVoiceWebhookWhileDraining(t *testing.T) {
	env := newTestEnv(t, false)
	env.registry.StartDraining()

	w := answerCall(t, env, "CA1")
	if !strings.Contains(w.Body.String(), "<Hangup") {
		t.Errorf("draining call not hung up: %s", w.Body.String())
	}
	if env.sessions.Get("CA1") != nil {
		t.Error("session created while draining")
	}
}

func TestVoiceDegradedTTSUsesSay(t *testing.T) {
	env := newTestEnv(t, true)

	body := answerCall(t, env, "CA1").Body.String()
	if !strings.Contains(body, "<Say>") {
		t.Errorf("degraded TTS should fall back to Say: %s", body)
	}
	if strings.Contains(body, "<Play>") {
		t.Errorf("degraded TTS must not emit Play: %s", body)
	}
}

func TestGatherAdvancesConversation(t *testing.T) {
	env := newTestEnv(t, true) // Say markup so prompt texts are assertable
	answerCall(t, env, "CA1")
	sc := script.Default()

	w := postForm(t, env.handler, "/gather/CA1", url.Values{
		"SpeechResult": {"yes, I am still interested"},
		"Confidence":   {"0.92"},
	})
	body := w.Body.String()
	if !strings.Contains(body, sc.Prompts[script.StepArrangeAppointment].Text) {
		t.Errorf("next prompt missing: %s", body)
	}
	if strings.Contains(body, "<Hangup") {
		t.Errorf("mid-script turn must not hang up: %s", body)
	}
}

func TestGatherConversationToCompletion(t *testing.T) {
	env := newTestEnv(t, true)
	answerCall(t, env, "CA1")
	sc := script.Default()

	turns := []string{
		"yes, still interested",
		"tomorrow at 3 pm",
		"jane at example dot com",
	}
	var body string
	for _, tr := range turns {
		w := postForm(t, env.handler, "/gather/CA1", url.Values{
			"SpeechResult": {tr},
			"Confidence":   {"0.9"},
		})
		body = w.Body.String()
	}

	if !strings.Contains(body, sc.Prompts[script.StepEnding].Text) {
		t.Errorf("ending prompt missing: %s", body)
	}
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("finished call not hung up: %s", body)
	}
	if len(env.disp.snapshots) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(env.disp.snapshots))
	}
	if env.disp.snapshots[0].Outcome != session.OutcomeAppointmentBooked {
		t.Errorf("outcome = %q", env.disp.snapshots[0].Outcome)
	}
}

func TestGatherRecordingFallback(t *testing.T) {
	env := newTestEnv(t, true)
	answerCall(t, env, "CA1")
	env.stt.text = "no, not interested"
	sc := script.Default()

	// No SpeechResult: the recording goes through the speech adapter.
	w := postForm(t, env.handler, "/gather/CA1", url.Values{
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
	})
	if !strings.Contains(w.Body.String(), sc.Prompts[script.StepOfferSimilar].Text) {
		t.Errorf("transcribed turn not advanced: %s", w.Body.String())
	}
}

func TestGatherUnknownCallHangsUp(t *testing.T) {
	env := newTestEnv(t, false)

	w := postForm(t, env.handler, "/gather/CA-stale", url.Values{
		"SpeechResult": {"yes"},
		"Confidence":   {"0.9"},
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 so the provider stops retrying", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Hangup") {
		t.Errorf("stale webhook not hung up: %s", w.Body.String())
	}
}

func TestStatusCallbackEndsCall(t *testing.T) {
	env := newTestEnv(t, false)
	answerCall(t, env, "CA1")

	w := postForm(t, env.handler, "/status", url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"no-answer"},
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if len(env.disp.snapshots) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(env.disp.snapshots))
	}
	if env.disp.snapshots[0].Outcome != session.OutcomeIncomplete {
		t.Errorf("outcome = %q", env.disp.snapshots[0].Outcome)
	}

	// Intermediate statuses are recorded but do not end anything.
	w = postForm(t, env.handler, "/status", url.Values{
		"CallSid":    {"CA2"},
		"CallStatus": {"ringing"},
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAudioHandler(t *testing.T) {
	env := newTestEnv(t, false)

	id := env.audio.Put([]byte("RIFF....WAVE"))
	req := httptest.NewRequest(http.MethodGet, "/audio/"+id, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("content type = %q", ct)
	}

	req = httptest.NewRequest(http.MethodGet, "/audio/missing", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing audio status = %d", w.Code)
	}
}

func TestAuthTokenExchange(t *testing.T) {
	env := newTestEnv(t, false)

	body := strings.NewReader(`{"api_key": "operator-key"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}

	// Wrong key is rejected.
	req = httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"api_key": "nope"}`))
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", w.Code)
	}
}

func TestWithAuthAcceptsValidToken(t *testing.T) {
	r := &Router{cfg: RouterConfig{JWTSecret: "s3cret", JWTExpiry: time.Hour}}
	token, _, err := r.generateJWT()
	if err != nil {
		t.Fatal(err)
	}

	called := false
	h := r.withAuth(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	// Bearer header.
	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h(w, req)
	if !called || w.Code != http.StatusOK {
		t.Errorf("bearer token rejected: status=%d called=%v", w.Code, called)
	}

	// Query fallback, used by the websocket feed.
	called = false
	req = httptest.NewRequest(http.MethodGet, "/admin/live?token="+token, nil)
	w = httptest.NewRecorder()
	h(w, req)
	if !called || w.Code != http.StatusOK {
		t.Errorf("query token rejected: status=%d called=%v", w.Code, called)
	}

	// A token signed with another secret is rejected.
	other := &Router{cfg: RouterConfig{JWTSecret: "different", JWTExpiry: time.Hour}}
	forged, _, _ := other.generateJWT()
	called = false
	req = httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	h(w, req)
	if called || w.Code != http.StatusUnauthorized {
		t.Errorf("forged token accepted: status=%d", w.Code)
	}
}

func TestOriginateCallRequiresAuth(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"phone": "+420777123456"}`))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestOriginateCall(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	twilioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, _ := req.BasicAuth()
		if user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		_ = req.ParseForm()
		if got := req.FormValue("To"); got != "+420777123456" {
			t.Errorf("To = %q", got)
		}
		if got := req.FormValue("Url"); got != "https://sara.example.com/voice" {
			t.Errorf("Url = %q", got)
		}
		if got := req.FormValue("StatusCallback"); got != "https://sara.example.com/status" {
			t.Errorf("StatusCallback = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid": "CA-new", "status": "queued"}`))
	}))
	defer twilioSrv.Close()

	env := newTestEnv(t, false)
	// Rebuild with the Twilio API pointed at the test server.
	r := &Router{
		cfg: RouterConfig{
			PublicBaseURL:    "https://sara.example.com",
			TwilioAccountSID: "AC123",
			TwilioAuthToken:  "secret",
			TwilioFromNumber: "+420111222333",
			TwilioBaseURL:    twilioSrv.URL,
		},
		logger:   logger,
		registry: env.registry,
	}
	r.twilio = newTwilioClient(r.cfg, logger)

	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"phone": "+420777123456"}`))
	w := httptest.NewRecorder()
	r.handleOriginateCall(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["call_id"] != "CA-new" {
		t.Errorf("call_id = %q", resp["call_id"])
	}
}

func TestOriginateCallValidatesPhone(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	r := &Router{cfg: RouterConfig{}, logger: logger, registry: NewCallRegistry()}

	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"phone": "777 123 456"}`))
	w := httptest.NewRecorder()
	r.handleOriginateCall(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-E.164 number", w.Code)
	}
}
