package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tomasbenes/sara/internal/dialog"
	"github.com/tomasbenes/sara/internal/dispatch"
	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/httpapi"
	"github.com/tomasbenes/sara/internal/intent"
	"github.com/tomasbenes/sara/internal/jobs"
	"github.com/tomasbenes/sara/internal/notifications"
	"github.com/tomasbenes/sara/internal/records"
	"github.com/tomasbenes/sara/internal/script"
	"github.com/tomasbenes/sara/internal/session"
	"github.com/tomasbenes/sara/internal/speech"
	"github.com/tomasbenes/sara/internal/store"
)

type App struct {
	cfg    Config
	logger *log.Logger

	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger

	sessions   *session.Store
	machine    *dialog.Machine
	speech     *speech.Adapter
	audioCache *speech.AudioCache
	records    *records.Client
	dispatcher *dispatch.Dispatcher
	retention  *jobs.RetentionJob

	// Calls tracks live conversations for graceful draining.
	Calls *httpapi.CallRegistry

	httpClient *http.Client // shared pooled client for provider APIs
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	// Shared HTTP client with connection pooling. Keeps TCP connections
	// alive to the speech and intent providers between turns.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := store.New(db)
	el := eventlog.New(db)
	calls := httpapi.NewCallRegistry()

	sc := script.Default()
	if cfg.ScriptPath != "" {
		sc, err = script.Load(cfg.ScriptPath)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	sessions := session.NewStore(cfg.SessionTTL, logger)

	audioCache := speech.NewAudioCache(cfg.AudioCacheTTL)
	speechAdapter := speech.NewAdapter(
		speech.AdapterConfig{
			PublicBaseURL:    cfg.PublicBaseURL,
			ProviderTimeout:  cfg.ProviderTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		},
		logger,
		audioCache,
		[]speech.TTSProvider{
			speech.NewElevenLabsTTS(speech.ElevenLabsConfig{
				APIKey:     cfg.ElevenLabsAPIKey,
				VoiceID:    cfg.TTSVoiceID,
				HTTPClient: httpClient,
			}),
			speech.NewOpenAISpeech(speech.OpenAISpeechConfig{
				APIKey:     cfg.OpenAIAPIKey,
				HTTPClient: httpClient,
			}),
		},
		[]speech.STTProvider{
			speech.NewDeepgramSTT(speech.DeepgramConfig{
				APIKey:     cfg.DeepgramAPIKey,
				HTTPClient: httpClient,
			}),
			speech.NewOpenAISpeech(speech.OpenAISpeechConfig{
				APIKey:     cfg.OpenAIAPIKey,
				HTTPClient: httpClient,
			}),
		},
	)

	extractor := intent.New(intent.NewOpenAIClassifier(intent.OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		HTTPClient: httpClient,
	}))

	recordsClient := records.New(records.Config{
		BaseURL:    cfg.RecordsBaseURL,
		APIKey:     cfg.RecordsAPIKey,
		HTTPClient: httpClient,
	})

	workflowClient := dispatch.NewWorkflowClient(dispatch.WorkflowConfig{
		Endpoint:   cfg.WorkflowEndpoint,
		AuthToken:  cfg.WorkflowAuthToken,
		HTTPClient: httpClient,
	})

	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	apns, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:      cfg.APNsKeyPath,
		KeyID:        cfg.APNsKeyID,
		TeamID:       cfg.APNsTeamID,
		BundleID:     cfg.APNsBundleID,
		Production:   cfg.APNsProduction,
		DeviceTokens: cfg.APNsDeviceTokens,
	}, logger)
	if err != nil {
		logger.Printf("Warning: APNs client initialization failed: %v", err)
	}
	sms, err := notifications.NewSMSClient(notifications.SMSConfig{
		AccountSID:   cfg.TwilioAccountSID,
		AuthToken:    cfg.TwilioAuthToken,
		SenderNumber: cfg.TwilioFromNumber,
		RepNumber:    cfg.RepPhone,
	}, logger)
	if err != nil {
		logger.Printf("Warning: SMS client initialization failed: %v", err)
	}

	dispatcher := dispatch.New(
		dispatch.Config{
			Workers:  cfg.DispatchWorkers,
			QueueCap: cfg.DispatchQueueCap,
		},
		recordsClient, workflowClient, s, sessions, el, discord, apns, sms, logger,
	)
	dispatcher.OnComplete = func(string) { calls.Done() }

	// The sweeper only reclaims sessions that never claimed a dispatch,
	// so exactly one of these two releases any given call's slot.
	sessions.OnEvict = func(string) { calls.Done() }

	machine := dialog.New(sc, sessions, extractor, dispatcher, el, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      s,
		eventLog:   el,
		sessions:   sessions,
		machine:    machine,
		speech:     speechAdapter,
		audioCache: audioCache,
		records:    recordsClient,
		dispatcher: dispatcher,
		retention:  jobs.NewRetentionJob(s, logger, cfg.CallRetention, cfg.RetentionInterval),
		Calls:      calls,
		httpClient: httpClient,
	}, nil
}

// Start launches the background workers.
func (a *App) Start() {
	a.sessions.Start(a.cfg.SessionSweepInterval)
	a.dispatcher.Start()
	a.retention.Start()
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:    a.cfg.PublicBaseURL,
		TwilioAccountSID: a.cfg.TwilioAccountSID,
		TwilioAuthToken:  a.cfg.TwilioAuthToken,
		TwilioFromNumber: a.cfg.TwilioFromNumber,
		TTSVoice:         a.cfg.TTSVoiceID,
		JWTSecret:        a.cfg.JWTSecret,
		JWTExpiry:        a.cfg.JWTExpiry,
		OperatorAPIKey:   a.cfg.OperatorAPIKey,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.sessions, a.machine, a.speech, a.audioCache, a.records, a.eventLog, a.Calls)
}

// Drain stops accepting calls and waits for live ones to finish, up to
// the context deadline.
func (a *App) Drain(ctx context.Context) {
	a.Calls.StartDraining()

	done := make(chan struct{})
	go func() {
		a.Calls.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Printf("app: drain timed out with %d calls still active", a.Calls.ActiveCount())
	}
}

func (a *App) Close() error {
	a.retention.Stop()
	a.dispatcher.Stop()
	a.sessions.Stop()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
