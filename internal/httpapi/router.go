package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasbenes/sara/internal/dialog"
	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/records"
	"github.com/tomasbenes/sara/internal/session"
	"github.com/tomasbenes/sara/internal/speech"
	"github.com/tomasbenes/sara/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string

	// Twilio credentials (webhooks in, call origination out)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	// TwilioBaseURL overrides the Twilio API host in tests.
	TwilioBaseURL string

	// TTS voice used for every prompt
	TTSVoice string

	// JWT Authentication for the operator API
	JWTSecret      string
	JWTExpiry      time.Duration
	OperatorAPIKey string
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	sessions *session.Store
	machine  *dialog.Machine
	speech   *speech.Adapter
	audio    *speech.AudioCache
	records  *records.Client
	eventLog *eventlog.Logger
	registry *CallRegistry
	twilio   *twilioClient
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, sessions *session.Store, machine *dialog.Machine, speechAdapter *speech.Adapter, audio *speech.AudioCache, rec *records.Client, eventLog *eventlog.Logger, registry *CallRegistry) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		sessions: sessions,
		machine:  machine,
		speech:   speechAdapter,
		audio:    audio,
		records:  rec,
		eventLog: eventLog,
		registry: registry,
		twilio:   newTwilioClient(cfg, logger),
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check and metrics
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Twilio webhooks (no auth - signature verified upstream)
	r.mux.HandleFunc("POST /voice", r.handleVoice)
	r.mux.HandleFunc("POST /gather/{callID}", r.handleGather)
	r.mux.HandleFunc("POST /status", r.handleStatus)
	r.mux.HandleFunc("GET /audio/{id}", r.handleAudio)

	// Auth endpoint (public)
	r.mux.HandleFunc("POST /auth/token", r.handleToken)

	// Protected operator API
	r.mux.HandleFunc("POST /api/calls", r.withAuth(r.handleOriginateCall))
	r.mux.HandleFunc("GET /api/calls", r.withAuth(r.handleListCalls))
	r.mux.HandleFunc("GET /api/calls/{providerCallId}", r.withAuth(r.handleGetCall))
	r.mux.HandleFunc("GET /api/calls/{providerCallId}/events", r.withAuth(r.handleGetCallEvents))

	// Admin live event feed (websocket)
	r.mux.HandleFunc("GET /admin/live", r.withAuth(r.handleLive))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
